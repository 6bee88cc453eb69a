// Package reconcile reconciles the gateway's authoritative master position
// ledger against every bot instance's mirrored view, periodically diffing
// and, where policy allows, auto-correcting the drift.
package reconcile

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// DiffType classifies a single reconciliation finding.
type DiffType string

const (
	DiffMissingInstance  DiffType = "MISSING_INSTANCE"
	DiffMissingPosition  DiffType = "MISSING_POSITION"
	DiffFieldMismatch    DiffType = "FIELD_MISMATCH"
	DiffOrphanedPosition DiffType = "ORPHANED_POSITION"
)

// Severity is HIGH or MEDIUM per spec's per-field classification rule.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)

// MasterPosition is the gateway's authoritative record for one broker order.
type MasterPosition struct {
	OrderID    string
	InstanceID string
	Instrument string
	Side       string
	Size       float64
	EntryPrice float64
	Status     string
	LastUpdate time.Time
}

// InstancePosition is a bot instance's mirror of a MasterPosition.
type InstancePosition struct {
	OrderID    string
	InstanceID string
	Instrument string
	Side       string
	Size       float64
	EntryPrice float64
	Status     string
	LastUpdate time.Time
}

// Discrepancy is one finding from a reconciliation cycle.
type Discrepancy struct {
	Type       DiffType
	Severity   Severity
	OrderID    string
	InstanceID string
	Field      string
	Corrected  bool
}

// Summary is a single reconciliation cycle's result, retained for the last
// 50 cycles.
type Summary struct {
	Timestamp     time.Time
	Discrepancies []Discrepancy
	AutoCorrected int
}

// Stats is the cumulative, all-time reconciliation counter set.
type Stats struct {
	TotalReconciliations int
	DiscrepanciesFound   int
	AutoCorrections      int
	ByType               map[DiffType]int
}

const (
	staleAfter       = 5 * time.Minute
	maxSummaryHistory = 50
)

// Config tunes the reconciliation loop.
type Config struct {
	Interval                time.Duration // default 30s
	MaxDiscrepancyThreshold float64       // default 0.01
	EnableAutoCorrection    bool
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxDiscrepancyThreshold == 0 {
		c.MaxDiscrepancyThreshold = 0.01
	}
}

// Service holds the master ledger and every instance's mirror, diffing them
// on a fixed interval.
type Service struct {
	cfg Config

	mu        sync.Mutex
	master    map[string]*MasterPosition               // orderId -> position
	instances map[string]map[string]*InstancePosition   // instanceId -> orderId -> position

	history []Summary
	stats   Stats

	pendingForce map[string]struct{} // orderIds with a forceReconciliation already in flight

	onForceReconciliation func(orderID, reason string)
}

// New creates a Service. onForceReconciliation, if non-nil, is invoked when
// ForceReconciliation fires a (non-duplicate) request event.
func New(cfg Config, onForceReconciliation func(orderID, reason string)) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:                   cfg,
		master:                make(map[string]*MasterPosition),
		instances:             make(map[string]map[string]*InstancePosition),
		pendingForce:          make(map[string]struct{}),
		onForceReconciliation: onForceReconciliation,
		stats:                 Stats{ByType: make(map[DiffType]int)},
	}
}

// Start runs the reconciliation loop until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Reconcile()
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconcile: started (interval=%s auto-correct=%v)", s.cfg.Interval, s.cfg.EnableAutoCorrection)
}

// SetMasterPosition upserts the authoritative record for an order.
func (s *Service) SetMasterPosition(p MasterPosition) {
	p.LastUpdate = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master[p.OrderID] = &p
}

// SetInstancePosition upserts an instance's mirror of an order.
func (s *Service) SetInstancePosition(p InstancePosition) {
	p.LastUpdate = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	byOrder, ok := s.instances[p.InstanceID]
	if !ok {
		byOrder = make(map[string]*InstancePosition)
		s.instances[p.InstanceID] = byOrder
	}
	byOrder[p.OrderID] = &p
}

// Reconcile runs one diff-and-correct cycle and returns its summary.
func (s *Service) Reconcile() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var discrepancies []Discrepancy
	autoCorrected := 0

	for orderID, masterPos := range s.master {
		byOrder, instanceKnown := s.instances[masterPos.InstanceID]
		if !instanceKnown {
			discrepancies = append(discrepancies, Discrepancy{
				Type: DiffMissingInstance, Severity: SeverityHigh,
				OrderID: orderID, InstanceID: masterPos.InstanceID,
			})
			continue
		}
		instPos, ok := byOrder[orderID]
		if !ok {
			discrepancies = append(discrepancies, Discrepancy{
				Type: DiffMissingPosition, Severity: SeverityHigh,
				OrderID: orderID, InstanceID: masterPos.InstanceID,
			})
			continue
		}
		discrepancies = append(discrepancies, s.diffFields(masterPos, instPos, autoCorrectable(&autoCorrected, s.cfg.EnableAutoCorrection))...)
	}

	for instanceID, byOrder := range s.instances {
		for orderID := range byOrder {
			if _, ok := s.master[orderID]; ok {
				continue
			}
			corrected := false
			if s.cfg.EnableAutoCorrection {
				delete(byOrder, orderID)
				corrected = true
				autoCorrected++
			}
			discrepancies = append(discrepancies, Discrepancy{
				Type: DiffOrphanedPosition, Severity: SeverityMedium,
				OrderID: orderID, InstanceID: instanceID, Corrected: corrected,
			})
		}
	}

	s.purgeStale()

	s.stats.TotalReconciliations++
	s.stats.DiscrepanciesFound += len(discrepancies)
	s.stats.AutoCorrections += autoCorrected
	for _, d := range discrepancies {
		s.stats.ByType[d.Type]++
	}

	summary := Summary{Timestamp: time.Now(), Discrepancies: discrepancies, AutoCorrected: autoCorrected}
	s.history = append(s.history, summary)
	if len(s.history) > maxSummaryHistory {
		s.history = s.history[len(s.history)-maxSummaryHistory:]
	}

	if len(discrepancies) > 0 {
		log.Printf("reconcile: cycle found %d discrepancies, auto-corrected %d", len(discrepancies), autoCorrected)
	}
	return summary
}

// autoCorrectable returns a closure the diff step uses to count a
// correction without coupling diffFields to the counter directly.
func autoCorrectable(counter *int, enabled bool) func() bool {
	return func() bool {
		if !enabled {
			return false
		}
		*counter++
		return true
	}
}

func (s *Service) diffFields(master *MasterPosition, inst *InstancePosition, correct func() bool) []Discrepancy {
	mismatchedFields := []string{}
	highSeverity := false

	if !floatsClose(master.Size, inst.Size, s.cfg.MaxDiscrepancyThreshold) {
		mismatchedFields = append(mismatchedFields, "size")
		highSeverity = true
	}
	if master.Side != inst.Side {
		mismatchedFields = append(mismatchedFields, "direction")
		highSeverity = true
	}
	if !floatsClose(master.EntryPrice, inst.EntryPrice, s.cfg.MaxDiscrepancyThreshold) {
		mismatchedFields = append(mismatchedFields, "entryPrice")
	}
	if master.Status != inst.Status {
		mismatchedFields = append(mismatchedFields, "status")
	}

	if len(mismatchedFields) == 0 {
		return nil
	}

	severity := SeverityMedium
	if highSeverity {
		severity = SeverityHigh
	}

	corrected := false
	if severity == SeverityMedium && correct() {
		inst.Size = master.Size
		inst.EntryPrice = master.EntryPrice
		inst.Status = master.Status
		inst.Side = master.Side
		corrected = true
	}

	out := make([]Discrepancy, 0, len(mismatchedFields))
	for _, f := range mismatchedFields {
		out = append(out, Discrepancy{
			Type: DiffFieldMismatch, Severity: severity,
			OrderID: master.OrderID, InstanceID: inst.InstanceID,
			Field: f, Corrected: corrected,
		})
	}
	return out
}

func floatsClose(a, b, threshold float64) bool {
	return math.Abs(a-b) <= threshold
}

// purgeStale drops master and instance entries idle for more than 5 minutes.
// Caller must hold s.mu.
func (s *Service) purgeStale() {
	now := time.Now()
	for orderID, p := range s.master {
		if now.Sub(p.LastUpdate) > staleAfter {
			delete(s.master, orderID)
		}
	}
	for _, byOrder := range s.instances {
		for orderID, p := range byOrder {
			if now.Sub(p.LastUpdate) > staleAfter {
				delete(byOrder, orderID)
			}
		}
	}
}

// Stats returns a snapshot of the cumulative counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := make(map[DiffType]int, len(s.stats.ByType))
	for k, v := range s.stats.ByType {
		byType[k] = v
	}
	return Stats{
		TotalReconciliations: s.stats.TotalReconciliations,
		DiscrepanciesFound:   s.stats.DiscrepanciesFound,
		AutoCorrections:      s.stats.AutoCorrections,
		ByType:               byType,
	}
}

// History returns up to the last 50 reconciliation summaries, oldest first.
func (s *Service) History() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, len(s.history))
	copy(out, s.history)
	return out
}

// ForceReconciliation emits a reconciliation request for a single order,
// suppressing duplicate pending requests for the same orderId.
func (s *Service) ForceReconciliation(orderID, reason string) {
	s.mu.Lock()
	if _, pending := s.pendingForce[orderID]; pending {
		s.mu.Unlock()
		return
	}
	s.pendingForce[orderID] = struct{}{}
	s.mu.Unlock()

	if s.onForceReconciliation != nil {
		s.onForceReconciliation(orderID, reason)
	}

	s.mu.Lock()
	delete(s.pendingForce, orderID)
	s.mu.Unlock()
}
