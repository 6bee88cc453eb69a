package contracts

import (
	"testing"
	"time"
)

func TestParseContractID(t *testing.T) {
	p, err := parseContractID("CON.F.US.MES.H25")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.symbol != "MES" || p.exchange != "US" || p.month != time.March || p.year != 2025 {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}

func TestParseContractIDMalformed(t *testing.T) {
	cases := []string{"CON.F.US.MES", "CON.F.US.MES.H", "CON.F.US.MES.A25"}
	for _, id := range cases {
		if _, err := parseContractID(id); err == nil {
			t.Errorf("parseContractID(%q) expected error", id)
		}
	}
}

func TestExpiryDate(t *testing.T) {
	p, err := parseContractID("CON.F.US.MES.Z24")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2024, time.December, 20, 0, 0, 0, 0, time.UTC)
	if !p.expiryDate().Equal(want) {
		t.Fatalf("expiryDate = %v, want %v", p.expiryDate(), want)
	}
}

func TestPickActiveMonth(t *testing.T) {
	tests := []struct {
		now      time.Time
		wantCode byte
		wantYear int
	}{
		{time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), 'H', 2025},
		{time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC), 'H', 2025},
		{time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), 'M', 2025},
		{time.Date(2025, time.December, 25, 0, 0, 0, 0, time.UTC), 'Z', 2025},
	}
	for _, tt := range tests {
		code, year := pickActiveMonth(DefaultQuarterlySchedule, tt.now)
		if code != tt.wantCode || year != tt.wantYear {
			t.Errorf("pickActiveMonth(%v) = (%q, %d), want (%q, %d)", tt.now, code, year, tt.wantCode, tt.wantYear)
		}
	}
}

func TestRoundToTickSize(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{5123.37, 0.25, 5123.25},
		{5123.38, 0.25, 5123.5},
		{100.004, 0.01, 100.0},
		{100.006, 0.01, 100.01},
	}
	for _, tt := range tests {
		got := RoundToTickSize(tt.price, tt.tick)
		if got != tt.want {
			t.Errorf("RoundToTickSize(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestFormatPrice(t *testing.T) {
	if got := FormatPrice(5123.5, 0.25); got != "5123.50" {
		t.Errorf("FormatPrice = %q, want 5123.50", got)
	}
	if got := FormatPrice(0.1235, 0.0001); len(got) != len("0.1235") {
		t.Errorf("FormatPrice with sub-cent tick = %q, want 4 decimal places", got)
	}
}
