// Package contracts resolves trading symbols to broker contract IDs for the
// active delivery month, and caches the result for an hour.
package contracts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Contract is a cached symbol -> broker contract-id mapping.
type Contract struct {
	ContractID     string
	Symbol         string
	Name           string
	Exchange       string
	TickSize       float64
	TickValue      float64
	PointValue     float64 // TickValue / TickSize
	ExpirationDate time.Time
	Active         bool

	cachedAt  time.Time
	expiresAt time.Time
}

// monthCodes maps the futures month-code letter to a calendar month.
var monthCodes = map[byte]time.Month{
	'F': time.January,
	'G': time.February,
	'H': time.March,
	'J': time.April,
	'K': time.May,
	'M': time.June,
	'N': time.July,
	'Q': time.August,
	'U': time.September,
	'V': time.October,
	'X': time.November,
	'Z': time.December,
}

// RawContract is the shape returned by the broker's contracts/available
// endpoint, before it is resolved against monthCodes.
type RawContract struct {
	ID        string
	Name      string
	TickSize  float64
	TickValue float64
	Active    bool
}

// parsedID holds the fields decoded from a "PREFIX.TYPE.EXCH.SYMBOL.MMYY"
// contract ID.
type parsedID struct {
	prefix   string
	typ      string
	exchange string
	symbol   string
	month    time.Month
	year     int
}

// parseContractID decodes a broker contract ID of the form
// PREFIX.TYPE.EXCH.SYMBOL.MMYY, where MMYY is a single month-code letter
// followed by a two-digit year.
func parseContractID(id string) (parsedID, error) {
	parts := strings.Split(id, ".")
	if len(parts) != 5 {
		return parsedID{}, fmt.Errorf("contracts: malformed contract id %q", id)
	}
	code := parts[4]
	if len(code) != 3 {
		return parsedID{}, fmt.Errorf("contracts: malformed month/year suffix %q", code)
	}
	month, ok := monthCodes[code[0]]
	if !ok {
		return parsedID{}, fmt.Errorf("contracts: unknown month code %q", code[0])
	}
	yy, err := strconv.Atoi(code[1:])
	if err != nil {
		return parsedID{}, fmt.Errorf("contracts: malformed year in %q: %w", code, err)
	}

	return parsedID{
		prefix:   parts[0],
		typ:      parts[1],
		exchange: parts[2],
		symbol:   parts[3],
		month:    month,
		year:     2000 + yy,
	}, nil
}

// expiryDate returns the 20th of the contract's coded month, the date the
// spec treats as the contract's expiry for staleness purposes.
func (p parsedID) expiryDate() time.Time {
	return time.Date(p.year, p.month, 20, 0, 0, 0, 0, time.UTC)
}

// Schedule is an ordered list of month codes a product trades, e.g. the
// quarterly {H, M, U, Z}.
type Schedule []byte

// DefaultQuarterlySchedule is the common quarterly cycle used by most
// financial futures products absent a more specific schedule.
var DefaultQuarterlySchedule = Schedule{'H', 'M', 'U', 'Z'}

// pickActiveMonth chooses the earliest scheduled month-code at or after
// now's month in now's year; if none remains this year, the first scheduled
// month of next year.
func pickActiveMonth(schedule Schedule, now time.Time) (code byte, year int) {
	currentMonth := now.Month()
	for _, c := range schedule {
		if monthCodes[c] >= currentMonth {
			return c, now.Year()
		}
	}
	return schedule[0], now.Year() + 1
}
