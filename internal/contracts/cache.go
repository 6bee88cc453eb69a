package contracts

import (
	"context"
	"errors"
	"sync"
	"time"
)

const ttl = time.Hour

// ErrNotFound is returned when a symbol has no contract after a refresh.
var ErrNotFound = errors.New("contracts: no active contract for symbol")

// Fetcher calls the broker's contracts/available endpoint. Injected rather
// than imported directly so this package does not depend on brokerrest.
type Fetcher func(ctx context.Context) ([]RawContract, error)

// Cache maps symbol -> the active contract, refreshed from Fetcher on miss
// or expiry and swept for stale entries in the background.
type Cache struct {
	fetch     Fetcher
	schedules map[string]Schedule // per-symbol override; DefaultQuarterlySchedule otherwise

	mu    sync.RWMutex
	bySym map[string]*Contract
	byID  map[string]*Contract
}

// NewCache creates a Cache. schedules may be nil.
func NewCache(fetch Fetcher, schedules map[string]Schedule) *Cache {
	return &Cache{
		fetch:     fetch,
		schedules: schedules,
		bySym:     make(map[string]*Contract),
		byID:      make(map[string]*Contract),
	}
}

// GetContractIDForInstrument returns the active contract ID for symbol,
// refreshing the cache on miss or expiry.
func (c *Cache) GetContractIDForInstrument(ctx context.Context, symbol string) (string, error) {
	if contract, ok := c.lookup(symbol); ok {
		return contract.ContractID, nil
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	contract, ok := c.lookup(symbol)
	if !ok {
		return "", ErrNotFound
	}
	return contract.ContractID, nil
}

func (c *Cache) lookup(symbol string) (*Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contract, ok := c.bySym[symbol]
	if !ok || time.Now().After(contract.expiresAt) {
		return nil, false
	}
	return contract, true
}

// ByContractID returns a cached contract by its broker contract ID, for
// callers (e.g. tick rounding) that only have the ID, not the symbol.
func (c *Cache) ByContractID(contractID string) (*Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contract, ok := c.byID[contractID]
	return contract, ok
}

func (c *Cache) refresh(ctx context.Context) error {
	raw, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	bySym := make(map[string]*Contract, len(raw))
	byID := make(map[string]*Contract, len(raw))

	for _, rc := range raw {
		parsed, err := parseContractID(rc.ID)
		if err != nil {
			continue // unparseable IDs are skipped, not fatal to the whole refresh
		}

		schedule, ok := c.schedules[parsed.symbol]
		if !ok {
			schedule = DefaultQuarterlySchedule
		}
		activeCode, activeYear := pickActiveMonth(schedule, now)
		isActiveMonth := parsed.month == monthCodes[activeCode] && parsed.year == activeYear
		expired := now.After(parsed.expiryDate())

		tickValue := rc.TickValue
		pointValue := 0.0
		if rc.TickSize > 0 {
			pointValue = tickValue / rc.TickSize
		}

		contract := &Contract{
			ContractID:     rc.ID,
			Symbol:         parsed.symbol,
			Name:           rc.Name,
			Exchange:       parsed.exchange,
			TickSize:       rc.TickSize,
			TickValue:      tickValue,
			PointValue:     pointValue,
			ExpirationDate: parsed.expiryDate(),
			Active:         rc.Active && isActiveMonth && !expired,
			cachedAt:       now,
			expiresAt:      now.Add(ttl),
		}

		byID[rc.ID] = contract
		if existing, ok := bySym[parsed.symbol]; !ok || (contract.Active && !existing.Active) {
			bySym[parsed.symbol] = contract
		}
	}

	c.mu.Lock()
	for sym, contract := range bySym {
		c.bySym[sym] = contract
	}
	for id, contract := range byID {
		c.byID[id] = contract
	}
	c.mu.Unlock()
	return nil
}

// StartSweeper runs until ctx is done, periodically purging expired cache
// entries so symbols that stop trading don't linger forever.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, contract := range c.bySym {
		if now.After(contract.expiresAt) {
			delete(c.bySym, sym)
		}
	}
	for id, contract := range c.byID {
		if now.After(contract.expiresAt) {
			delete(c.byID, id)
		}
	}
}
