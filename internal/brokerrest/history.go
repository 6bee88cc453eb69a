package brokerrest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
)

// History bar unit codes.
const (
	UnitSecond = 1
	UnitMinute = 2
	UnitHour   = 3
	UnitDay    = 4
	UnitWeek   = 5
	UnitMonth  = 6
	UnitYear   = 7
)

const maxBarLimit = 20000

// Bar is one OHLCV bar.
type Bar struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// HistoryParams requests a window of bars for a contract.
type HistoryParams struct {
	ContractID        string
	Unit              int
	UnitNumber        int
	Limit             int
	StartTime         string
	EndTime           string
	IncludePartialBar bool
}

type historyBarsRequest struct {
	ContractID        string `json:"contractId"`
	Unit              int    `json:"unit"`
	UnitNumber        int    `json:"unitNumber"`
	Limit             int    `json:"limit"`
	StartTime         string `json:"startTime,omitempty"`
	EndTime           string `json:"endTime,omitempty"`
	IncludePartialBar bool   `json:"includePartialBar"`
	Live              bool   `json:"live"`
}

type historyBarsResponse struct {
	Success bool  `json:"success"`
	Bars    []Bar `json:"bars"`
}

func (p HistoryParams) cacheKey() historyKey {
	return historyKey{
		contractID: p.ContractID,
		unit:       p.Unit,
		unitNumber: p.UnitNumber,
		limit:      p.Limit,
		startTime:  p.StartTime,
		endTime:    p.EndTime,
	}
}

// FetchHistoryBars returns OHLCV bars for a contract sorted ascending by
// time, served from a TTL cache and queued through a concurrency-capped
// worker slot so the broker's historical endpoint is never hammered.
func (c *Client) FetchHistoryBars(ctx context.Context, params HistoryParams) ([]Bar, error) {
	if params.Unit < UnitSecond || params.Unit > UnitYear {
		return nil, fmt.Errorf("brokerrest: unit %d out of range", params.Unit)
	}
	if params.Limit <= 0 || params.Limit > maxBarLimit {
		return nil, fmt.Errorf("brokerrest: limit %d out of range", params.Limit)
	}

	key := params.cacheKey()
	if bars, ok := c.history.get(key); ok {
		return bars, nil
	}

	select {
	case c.histSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.histSem }()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.HistoryRequestTimeout)
	defer cancel()

	bars, err := c.fetchHistoryBarsOnce(reqCtx, params)
	if err != nil {
		return nil, err
	}
	c.history.set(key, bars)
	return bars, nil
}

func (c *Client) fetchHistoryBarsOnce(ctx context.Context, params HistoryParams) ([]Bar, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	body := historyBarsRequest{
		ContractID:        params.ContractID,
		Unit:              params.Unit,
		UnitNumber:        params.UnitNumber,
		Limit:             params.Limit,
		StartTime:         params.StartTime,
		EndTime:           params.EndTime,
		IncludePartialBar: params.IncludePartialBar,
		Live:              false,
	}

	var result historyBarsResponse
	resp, err := req.SetBody(body).SetResult(&result).Post("/History/retrieveBars")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: fetch history bars: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: fetch history bars: status %d", resp.StatusCode())
	}

	sort.Slice(result.Bars, func(i, j int) bool { return result.Bars[i].T < result.Bars[j].T })
	return result.Bars, nil
}
