package reconcile

import "testing"

func newTestService(autoCorrect bool) *Service {
	return New(Config{EnableAutoCorrection: autoCorrect}, nil)
}

func TestReconcileMissingInstance(t *testing.T) {
	s := newTestService(false)
	s.SetMasterPosition(MasterPosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1, Side: "BUY", Status: "OPEN"})

	summary := s.Reconcile()
	if len(summary.Discrepancies) != 1 || summary.Discrepancies[0].Type != DiffMissingInstance {
		t.Fatalf("unexpected discrepancies: %+v", summary.Discrepancies)
	}
	if summary.Discrepancies[0].Severity != SeverityHigh {
		t.Fatalf("expected HIGH severity, got %v", summary.Discrepancies[0].Severity)
	}
}

func TestReconcileMissingPosition(t *testing.T) {
	s := newTestService(false)
	s.SetMasterPosition(MasterPosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1, Side: "BUY", Status: "OPEN"})
	s.SetInstancePosition(InstancePosition{OrderID: "O2", InstanceID: "BOT_1", Size: 1, Side: "BUY", Status: "OPEN"})

	summary := s.Reconcile()
	found := false
	for _, d := range summary.Discrepancies {
		if d.Type == DiffMissingPosition && d.OrderID == "O1" {
			found = true
			if d.Severity != SeverityHigh {
				t.Fatalf("expected HIGH severity for missing position, got %v", d.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("expected a MISSING_POSITION discrepancy, got %+v", summary.Discrepancies)
	}
}

func TestReconcileSizeMismatchIsHighAndNotAutoCorrected(t *testing.T) {
	s := newTestService(true)
	s.SetMasterPosition(MasterPosition{OrderID: "O1", InstanceID: "BOT_1", Size: 2, EntryPrice: 100, Side: "BUY", Status: "OPEN"})
	s.SetInstancePosition(InstancePosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1, EntryPrice: 100, Side: "BUY", Status: "OPEN"})

	summary := s.Reconcile()
	if len(summary.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", summary.Discrepancies)
	}
	d := summary.Discrepancies[0]
	if d.Type != DiffFieldMismatch || d.Field != "size" || d.Severity != SeverityHigh {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
	if d.Corrected {
		t.Fatal("HIGH severity discrepancies must never be auto-corrected")
	}
}

func TestReconcileStatusMismatchIsMediumAndAutoCorrected(t *testing.T) {
	s := newTestService(true)
	s.SetMasterPosition(MasterPosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1, EntryPrice: 100, Side: "BUY", Status: "CLOSED"})
	s.SetInstancePosition(InstancePosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1, EntryPrice: 100, Side: "BUY", Status: "OPEN"})

	summary := s.Reconcile()
	if len(summary.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", summary.Discrepancies)
	}
	d := summary.Discrepancies[0]
	if d.Severity != SeverityMedium || !d.Corrected {
		t.Fatalf("expected corrected MEDIUM discrepancy, got %+v", d)
	}

	byOrder := s.instances["BOT_1"]
	if byOrder["O1"].Status != "CLOSED" {
		t.Fatalf("instance status not corrected: %+v", byOrder["O1"])
	}
}

func TestReconcileWithinThresholdIsNotAFinding(t *testing.T) {
	s := newTestService(false)
	s.cfg.MaxDiscrepancyThreshold = 0.01
	s.SetMasterPosition(MasterPosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1.0, EntryPrice: 100.005, Side: "BUY", Status: "OPEN"})
	s.SetInstancePosition(InstancePosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1.0, EntryPrice: 100.0, Side: "BUY", Status: "OPEN"})

	summary := s.Reconcile()
	if len(summary.Discrepancies) != 0 {
		t.Fatalf("expected no discrepancies within threshold, got %+v", summary.Discrepancies)
	}
}

func TestReconcileOrphanedPositionAutoCorrected(t *testing.T) {
	s := newTestService(true)
	s.SetInstancePosition(InstancePosition{OrderID: "O1", InstanceID: "BOT_1", Size: 1, Side: "BUY", Status: "OPEN"})

	summary := s.Reconcile()
	if len(summary.Discrepancies) != 1 || summary.Discrepancies[0].Type != DiffOrphanedPosition {
		t.Fatalf("expected 1 orphaned discrepancy, got %+v", summary.Discrepancies)
	}
	if !summary.Discrepancies[0].Corrected {
		t.Fatal("expected orphaned position to be auto-removed")
	}
	if _, ok := s.instances["BOT_1"]["O1"]; ok {
		t.Fatal("orphaned instance position should have been removed")
	}
}

func TestReconcileHistoryCapsAt50(t *testing.T) {
	s := newTestService(false)
	for i := 0; i < 55; i++ {
		s.Reconcile()
	}
	if len(s.History()) != maxSummaryHistory {
		t.Fatalf("history length = %d, want %d", len(s.History()), maxSummaryHistory)
	}
}

func TestForceReconciliationSuppressesReentrantDuplicate(t *testing.T) {
	calls := 0
	var s *Service
	s = New(Config{}, func(orderID, reason string) {
		calls++
		if calls == 1 {
			// Re-enter while the first request is still marked pending.
			s.ForceReconciliation(orderID, "duplicate")
		}
	})
	s.ForceReconciliation("O1", "manual")
	if calls != 1 {
		t.Fatalf("expected duplicate force-reconciliation to be suppressed, got %d calls", calls)
	}
}
