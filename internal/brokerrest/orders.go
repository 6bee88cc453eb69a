package brokerrest

import (
	"context"
	"fmt"
	"net/http"

	"gatewaycore/internal/contracts"
)

// Broker numeric order-type codes.
const (
	orderTypeLimit  = 1
	orderTypeMarket = 2
	orderTypeStop   = 4
)

// Broker numeric side codes.
const (
	sideBuy  = 0
	sideSell = 1
)

// OrderIntent is the gateway-local order request, before it is mapped to
// the broker's wire shape.
type OrderIntent struct {
	AccountID  string
	ContractID string
	OrderType  string // MARKET, LIMIT, STOP
	Side       string // BUY, SELL
	Size       float64
	LimitPrice float64
	StopPrice  float64
}

type placeOrderRequest struct {
	AccountID  string  `json:"accountId"`
	ContractID string  `json:"contractId"`
	Type       int     `json:"type"`
	Side       int     `json:"side"`
	Size       float64 `json:"size"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
	StopPrice  *float64 `json:"stopPrice,omitempty"`
}

type placeOrderResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderId"`
	ErrorMessage string `json:"errorMessage"`
}

func orderTypeCode(t string) (int, error) {
	switch t {
	case "MARKET":
		return orderTypeMarket, nil
	case "LIMIT":
		return orderTypeLimit, nil
	case "STOP":
		return orderTypeStop, nil
	default:
		return 0, fmt.Errorf("brokerrest: unknown order type %q", t)
	}
}

func sideCode(s string) (int, error) {
	switch s {
	case "BUY":
		return sideBuy, nil
	case "SELL":
		return sideSell, nil
	default:
		return 0, fmt.Errorf("brokerrest: unknown side %q", s)
	}
}

// PlaceOrder rounds limit/stop prices to the contract's tick size and
// submits the order, returning the broker order ID.
func (c *Client) PlaceOrder(ctx context.Context, intent OrderIntent) (string, error) {
	typeCode, err := orderTypeCode(intent.OrderType)
	if err != nil {
		return "", err
	}
	sideCode, err := sideCode(intent.Side)
	if err != nil {
		return "", err
	}

	body := placeOrderRequest{
		AccountID:  intent.AccountID,
		ContractID: intent.ContractID,
		Type:       typeCode,
		Side:       sideCode,
		Size:       intent.Size,
	}

	tick := c.tickSizeFor(intent.ContractID)
	if intent.LimitPrice != 0 {
		rounded := contracts.RoundToTickSize(intent.LimitPrice, tick)
		body.LimitPrice = &rounded
	}
	if intent.StopPrice != 0 {
		rounded := contracts.RoundToTickSize(intent.StopPrice, tick)
		body.StopPrice = &rounded
	}

	req, err := c.authed(ctx)
	if err != nil {
		return "", err
	}
	var result placeOrderResponse
	resp, err := req.SetBody(body).SetResult(&result).Post("/Order/place")
	if err != nil {
		return "", fmt.Errorf("brokerrest: place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return "", fmt.Errorf("brokerrest: place order: %s", result.ErrorMessage)
	}
	return result.OrderID, nil
}

// tickSizeFor looks up the contract's tick size for rounding, falling back
// to 0.25 (a common futures minimum) if the contract is not yet cached.
func (c *Client) tickSizeFor(contractID string) float64 {
	if c.contractLookup == nil {
		return 0.25
	}
	if contract, ok := c.contractLookup(contractID); ok && contract.TickSize > 0 {
		return contract.TickSize
	}
	return 0.25
}

// Order mirrors the broker's working (open, unfilled) order shape.
type Order struct {
	ID         string  `json:"id"`
	AccountID  string  `json:"accountId"`
	ContractID string  `json:"contractId"`
	Type       int     `json:"type"`
	Side       int     `json:"side"`
	Size       float64 `json:"size"`
	LimitPrice float64 `json:"limitPrice"`
	StopPrice  float64 `json:"stopPrice"`
	Status     string  `json:"status"`
}

// SearchOpenOrders returns every working (unfilled) order for an account,
// via the same /Position read used for GET_POSITIONS with
// includeWorkingOrders=true set.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID string) ([]Order, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var result positionsQueryResponse
	resp, err := req.
		SetQueryParam("accountId", accountID).
		SetQueryParam("includeWorkingOrders", "true").
		SetResult(&result).
		Get("/Position")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: search open orders: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: search open orders: status %d", resp.StatusCode())
	}
	return result.Orders, nil
}

type cancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

type basicBrokerResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

// CancelOrder cancels a previously placed broker order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	req, err := c.authed(ctx)
	if err != nil {
		return err
	}
	var result basicBrokerResponse
	resp, err := req.SetBody(cancelOrderRequest{OrderID: brokerOrderID}).SetResult(&result).Post("/Order/cancel")
	if err != nil {
		return fmt.Errorf("brokerrest: cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return fmt.Errorf("brokerrest: cancel order: %s", result.ErrorMessage)
	}
	return nil
}

type editStopLossRequest struct {
	PositionID string   `json:"positionId"`
	StopLoss   *float64 `json:"stopLoss"`
	TakeProfit *float64 `json:"takeProfit"`
}

// EditStopLossAccount updates (or clears, with nil) a position's protective
// stop-loss and take-profit levels, rounded to two decimal places.
func (c *Client) EditStopLossAccount(ctx context.Context, positionID string, stopLoss, takeProfit *float64) error {
	body := editStopLossRequest{PositionID: positionID}
	if stopLoss != nil {
		v := roundTo2dp(*stopLoss)
		body.StopLoss = &v
	}
	if takeProfit != nil {
		v := roundTo2dp(*takeProfit)
		body.TakeProfit = &v
	}

	req, err := c.authed(ctx)
	if err != nil {
		return err
	}
	var result basicBrokerResponse
	resp, err := req.SetBody(body).SetResult(&result).Post("/Order/editStopLossAccount")
	if err != nil {
		return fmt.Errorf("brokerrest: edit stop loss: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return fmt.Errorf("brokerrest: edit stop loss: %s", result.ErrorMessage)
	}
	return nil
}

func roundTo2dp(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
