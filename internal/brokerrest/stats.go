package brokerrest

import (
	"context"
	"fmt"
	"net/http"
)

// Stats is the shape returned by the today/lifetime statistics endpoints.
type Stats struct {
	TradeCount    int     `json:"tradeCount"`
	ProfitAndLoss float64 `json:"profitAndLoss"`
	Fees          float64 `json:"fees"`
	WinRate       float64 `json:"winRate"`
}

type statsRequest struct {
	AccountID string `json:"accountId"`
}

type statsResponse struct {
	Success bool  `json:"success"`
	Stats   Stats `json:"stats"`
}

// TodayStats returns the account's statistics for the current trading day.
func (c *Client) TodayStats(ctx context.Context, accountID string) (Stats, error) {
	return c.stats(ctx, accountID, "/Statistics/todaystats")
}

// LifetimeStats returns the account's all-time statistics.
func (c *Client) LifetimeStats(ctx context.Context, accountID string) (Stats, error) {
	return c.stats(ctx, accountID, "/Statistics/lifetimestats")
}

func (c *Client) stats(ctx context.Context, accountID, path string) (Stats, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return Stats{}, err
	}
	var result statsResponse
	resp, err := req.SetBody(statsRequest{AccountID: accountID}).SetResult(&result).Post(path)
	if err != nil {
		return Stats{}, fmt.Errorf("brokerrest: stats: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return Stats{}, fmt.Errorf("brokerrest: stats: status %d", resp.StatusCode())
	}
	return result.Stats, nil
}
