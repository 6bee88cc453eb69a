package registry

import "testing"

func TestValidateRegistrationSuccess(t *testing.T) {
	r := New(6)
	if err := r.ValidateRegistration("BOT_1", "acct-1", "MES", "meanrev"); err != nil {
		t.Fatalf("register: %v", err)
	}
	slot, ok := r.Slot("BOT_1")
	if !ok {
		t.Fatal("slot not found")
	}
	if !slot.Connected || slot.Account != "acct-1" || slot.Instrument != "MES" {
		t.Fatalf("unexpected slot state: %+v", slot)
	}
}

func TestValidateRegistrationUnknownSlot(t *testing.T) {
	r := New(6)
	if err := r.ValidateRegistration("BOT_99", "acct-1", "MES", "meanrev"); err != ErrUnknownSlot {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
}

func TestValidateRegistrationAlreadyConnected(t *testing.T) {
	r := New(6)
	if err := r.ValidateRegistration("BOT_1", "acct-1", "MES", "meanrev"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.ValidateRegistration("BOT_1", "acct-2", "MNQ", "trend"); err != ErrSlotAlreadyInUse {
		t.Fatalf("expected ErrSlotAlreadyInUse, got %v", err)
	}
}

func TestValidateRegistrationInstrumentClaimed(t *testing.T) {
	r := New(6)
	if err := r.ValidateRegistration("BOT_1", "acct-1", "MES", "meanrev"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.ValidateRegistration("BOT_2", "acct-1", "MES", "trend"); err != ErrInstrumentInUse {
		t.Fatalf("expected ErrInstrumentInUse, got %v", err)
	}
}

func TestDeregisterFreesInstrumentButKeepsSlot(t *testing.T) {
	r := New(6)
	if err := r.ValidateRegistration("BOT_1", "acct-1", "MES", "meanrev"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deregister("BOT_1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	slot, ok := r.Slot("BOT_1")
	if !ok {
		t.Fatal("slot identity should survive deregistration")
	}
	if slot.Connected {
		t.Fatal("slot should be disconnected after deregister")
	}

	// The freed (account, instrument) pair can now be claimed by another slot.
	if err := r.ValidateRegistration("BOT_2", "acct-1", "MES", "trend"); err != nil {
		t.Fatalf("expected re-claim to succeed: %v", err)
	}
}

func TestSnapshotReturnsAllSlots(t *testing.T) {
	r := New(3)
	slots := r.Snapshot()
	if len(slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(slots))
	}
}
