package api

import (
	"testing"
	"time"
)

func TestFGIOverrideSetGetClear(t *testing.T) {
	s := newTestOverrideStore()

	if _, ok := s.fgi(); ok {
		t.Fatal("expected no fgi override before one is set")
	}

	s.setFGI(42, time.Minute)
	v, ok := s.fgi()
	if !ok || v != 42 {
		t.Fatalf("expected fgi override 42, got %v ok=%v", v, ok)
	}

	s.clearFGI()
	if _, ok := s.fgi(); ok {
		t.Fatal("expected fgi override to be gone after clear")
	}
}

func TestFGIOverrideExpires(t *testing.T) {
	s := newTestOverrideStore()
	s.setFGI(10, -time.Second)

	if _, ok := s.fgi(); ok {
		t.Fatal("expected an already-expired fgi override to report unset")
	}
}

func TestFundingOverridePerSymbol(t *testing.T) {
	s := newTestOverrideStore()
	s.setFunding("BTCUSDT", 0.01, time.Minute)
	s.setFunding("ETHUSDT", 0.02, time.Minute)

	v, ok := s.fundingValue("BTCUSDT")
	if !ok || v != 0.01 {
		t.Fatalf("expected BTCUSDT override 0.01, got %v ok=%v", v, ok)
	}

	s.clearFunding("BTCUSDT")
	if _, ok := s.fundingValue("BTCUSDT"); ok {
		t.Fatal("expected BTCUSDT override to be cleared")
	}
	if v, ok := s.fundingValue("ETHUSDT"); !ok || v != 0.02 {
		t.Fatal("expected ETHUSDT override to be unaffected by clearing BTCUSDT")
	}
}

func TestClearFundingWithEmptySymbolClearsAll(t *testing.T) {
	s := newTestOverrideStore()
	s.setFunding("BTCUSDT", 0.01, time.Minute)
	s.setFunding("ETHUSDT", 0.02, time.Minute)

	s.clearFunding("")

	if _, ok := s.fundingValue("BTCUSDT"); ok {
		t.Fatal("expected all funding overrides to be cleared")
	}
	if _, ok := s.fundingValue("ETHUSDT"); ok {
		t.Fatal("expected all funding overrides to be cleared")
	}
}

func TestFundingOverrideExpires(t *testing.T) {
	s := newTestOverrideStore()
	s.setFunding("BTCUSDT", 0.01, -time.Second)

	if _, ok := s.fundingValue("BTCUSDT"); ok {
		t.Fatal("expected an already-expired funding override to report unset")
	}
}
