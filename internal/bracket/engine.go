// Package bracket attaches stop-loss/take-profit orders to a parent order
// once the broker reports it filled, retrying the position lookup until a
// match is found or the bracket is abandoned.
package bracket

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gatewaycore/internal/brokerrest"
)

const (
	firstCheckDelay    = 3 * time.Second
	retryDelay         = 2 * time.Second
	initialMatchWindow = 30 * time.Second
	defaultMaxRetries  = 10
)

// Spec is the subset of an order intent describing the bracket to attach.
// A field is "set" when its pointer is non-nil.
type Spec struct {
	StopPrice        *float64
	LimitPrice       *float64
	StopLossPoints   *float64
	TakeProfitPoints *float64
}

// CompleteEvent is published once a pending bracket reaches a terminal
// state, successful or not.
type CompleteEvent struct {
	BrokerOrderID string
	Success       bool
	PositionID    string
	StopLoss      *float64
	TakeProfit    *float64
	Error         string
}

// PendingBracket tracks one in-flight bracket attachment.
type PendingBracket struct {
	BrokerOrderID string
	Spec          Spec
	Side          string // BUY or SELL
	InstanceID    string
	AccountID     string
	Instrument    string
	ContractID    string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time

	timer *time.Timer
}

// PositionFetcher returns open positions for an account.
type PositionFetcher func(ctx context.Context, accountID string) ([]brokerrest.Position, error)

// StopLossEditor applies a stop-loss/take-profit pair to a position.
type StopLossEditor func(ctx context.Context, positionID string, stopLoss, takeProfit *float64) error

// Publisher emits a terminal bracket outcome.
type Publisher func(CompleteEvent)

// Engine manages the pending-bracket table and its check/retry timers.
type Engine struct {
	fetchPositions PositionFetcher
	editStopLoss   StopLossEditor
	publish        Publisher

	mu      sync.Mutex
	pending map[string]*PendingBracket
}

// New creates a bracket Engine.
func New(fetchPositions PositionFetcher, editStopLoss StopLossEditor, publish Publisher) *Engine {
	return &Engine{
		fetchPositions: fetchPositions,
		editStopLoss:   editStopLoss,
		publish:        publish,
		pending:        make(map[string]*PendingBracket),
	}
}

// Attach records a pending bracket for a just-placed parent order and
// schedules the first position check after 3 seconds. maxRetries <= 0 uses
// the default of 10.
func (e *Engine) Attach(ctx context.Context, spec Spec, side, instanceID, accountID, instrument, contractID, brokerOrderID string, maxRetries int) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	pb := &PendingBracket{
		BrokerOrderID: brokerOrderID,
		Spec:          spec,
		Side:          side,
		InstanceID:    instanceID,
		AccountID:     accountID,
		Instrument:    instrument,
		ContractID:    contractID,
		MaxRetries:    maxRetries,
		CreatedAt:     time.Now(),
	}

	e.mu.Lock()
	e.pending[brokerOrderID] = pb
	pb.timer = time.AfterFunc(firstCheckDelay, func() { e.check(ctx, brokerOrderID) })
	e.mu.Unlock()
}

// matchWindow is the spec's literal widening schedule: 30s on the first
// check, 60s+retryCount*5s on every retry thereafter.
func matchWindow(retryCount int) time.Duration {
	if retryCount == 0 {
		return initialMatchWindow
	}
	return time.Duration(60+retryCount*5) * time.Second
}

func (e *Engine) check(ctx context.Context, brokerOrderID string) {
	e.mu.Lock()
	pb, ok := e.pending[brokerOrderID]
	e.mu.Unlock()
	if !ok {
		return
	}

	positions, err := e.fetchPositions(ctx, pb.AccountID)
	if err != nil {
		log.Printf("bracket: fetch positions for %s: %v", brokerOrderID, err)
		e.retryOrGiveUp(ctx, pb, "")
		return
	}

	window := matchWindow(pb.RetryCount)
	match, ok := matchPosition(positions, pb.ContractID, brokerOrderID, time.Now(), window)
	if !ok {
		e.retryOrGiveUp(ctx, pb, "")
		return
	}

	stop, take, err := computeStopTake(pb.Spec, pb.Side, match.AveragePrice)
	if err != nil {
		e.complete(pb, CompleteEvent{BrokerOrderID: brokerOrderID, Success: false, Error: err.Error()})
		return
	}

	if err := e.editStopLoss(ctx, match.ID, stop, take); err != nil {
		e.complete(pb, CompleteEvent{BrokerOrderID: brokerOrderID, Success: false, PositionID: match.ID, Error: err.Error()})
		return
	}

	e.complete(pb, CompleteEvent{
		BrokerOrderID: brokerOrderID, Success: true, PositionID: match.ID,
		StopLoss: stop, TakeProfit: take,
	})
}

func (e *Engine) retryOrGiveUp(ctx context.Context, pb *PendingBracket, reason string) {
	e.mu.Lock()
	pb.RetryCount++
	giveUp := pb.RetryCount >= pb.MaxRetries
	if !giveUp {
		pb.timer = time.AfterFunc(retryDelay, func() { e.check(ctx, pb.BrokerOrderID) })
	}
	e.mu.Unlock()

	if giveUp {
		msg := reason
		if msg == "" {
			msg = fmt.Sprintf("no matching position found after %d retries", pb.MaxRetries)
		}
		e.complete(pb, CompleteEvent{BrokerOrderID: pb.BrokerOrderID, Success: false, Error: msg})
	}
}

// complete publishes the terminal outcome and clears the pending bracket.
func (e *Engine) complete(pb *PendingBracket, event CompleteEvent) {
	e.mu.Lock()
	if pb.timer != nil {
		pb.timer.Stop()
	}
	delete(e.pending, pb.BrokerOrderID)
	e.mu.Unlock()

	if e.publish != nil {
		e.publish(event)
	}
}

// Pending reports whether a bracket is still in flight, for tests and
// status reporting.
func (e *Engine) Pending(brokerOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[brokerOrderID]
	return ok
}

// PendingCount returns the number of brackets currently in flight.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
