package brokerrest

import (
	"context"
	"fmt"
	"net/http"
)

// Position mirrors the broker's open-position shape.
type Position struct {
	ID                string  `json:"id"`
	AccountID         string  `json:"accountId"`
	ContractID        string  `json:"contractId"`
	Size              float64 `json:"size"`
	AveragePrice      float64 `json:"averagePrice"`
	Side              int     `json:"side"`
	EntryTime         string  `json:"entryTime"`
	CreationTimestamp string  `json:"creationTimestamp"`
	OpenOrderID       string  `json:"openOrderId"`
	OrderID           string  `json:"orderId"`
}

type positionsQueryResponse struct {
	Success   bool       `json:"success"`
	Positions []Position `json:"positions"`
	Orders    []Order    `json:"orders,omitempty"`
}

type searchOpenPositionsRequest struct {
	AccountID string `json:"accountId"`
}

type searchOpenPositionsResponse struct {
	Success   bool       `json:"success"`
	Positions []Position `json:"positions"`
}

// SearchPositions returns all positions (open and closed) for an account.
func (c *Client) SearchPositions(ctx context.Context, accountID string) ([]Position, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var result positionsQueryResponse
	resp, err := req.SetQueryParam("accountId", accountID).SetResult(&result).Get("/Position")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: search positions: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: search positions: status %d", resp.StatusCode())
	}
	return result.Positions, nil
}

// SearchOpenPositions returns only currently open positions for an account.
// A bare 404 from the broker means "no positions" rather than an error.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var result searchOpenPositionsResponse
	resp, err := req.SetBody(searchOpenPositionsRequest{AccountID: accountID}).SetResult(&result).Post("/Position/searchOpen")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: search open positions: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: search open positions: status %d", resp.StatusCode())
	}
	return result.Positions, nil
}

type closePositionRequest struct {
	AccountID  string   `json:"accountId"`
	ContractID string   `json:"contractId"`
	Size       *float64 `json:"size,omitempty"`
}

// ClosePosition closes all or part of a position. When size is nil the full
// position is closed; otherwise the partial-close endpoint is used.
func (c *Client) ClosePosition(ctx context.Context, accountID, contractID string, size *float64) error {
	path := "/Position/closeContract"
	if size != nil {
		path = "/Position/partialCloseContract"
	}

	req, err := c.authed(ctx)
	if err != nil {
		return err
	}
	var result basicBrokerResponse
	resp, err := req.
		SetBody(closePositionRequest{AccountID: accountID, ContractID: contractID, Size: size}).
		SetResult(&result).
		Post(path)
	if err != nil {
		return fmt.Errorf("brokerrest: close position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return fmt.Errorf("brokerrest: close position: %s", result.ErrorMessage)
	}
	return nil
}

// Trade mirrors the broker's executed-trade shape.
type Trade struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"accountId"`
	OrderID       string  `json:"orderId"`
	ContractID    string  `json:"contractId"`
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`
	ProfitAndLoss float64 `json:"profitAndLoss"`
	Fees          float64 `json:"fees"`
}

// TradeSearchParams filters a trade search.
type TradeSearchParams struct {
	AccountID  string `json:"accountId"`
	ContractID string `json:"contractId,omitempty"`
	StartTime  string `json:"startTime,omitempty"`
	EndTime    string `json:"endTime,omitempty"`
}

type searchTradesResponse struct {
	Success bool    `json:"success"`
	Trades  []Trade `json:"trades"`
}

// SearchTrades returns executed trades matching params.
func (c *Client) SearchTrades(ctx context.Context, params TradeSearchParams) ([]Trade, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var result searchTradesResponse
	resp, err := req.SetBody(params).SetResult(&result).Post("/Trade/search")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: search trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: search trades: status %d", resp.StatusCode())
	}
	return result.Trades, nil
}
