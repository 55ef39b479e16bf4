package idhash

import (
	"testing"

	"github.com/shopspring/decimal"

	"order-engine/internal/domain"
)

func baseIntent() domain.OrderIntent {
	return domain.OrderIntent{
		Venue:    "Polymarket",
		Token:    "YES-123",
		Side:     domain.SideBuy,
		Size:     decimal.RequireFromString("10"),
		Price:    decimal.RequireFromString("0.55"),
		Identity: "wallet-1",
		Window:   "2026-01-02T10:00",
	}
}

func TestComputeIntentKey_Normalization(t *testing.T) {
	a := baseIntent()

	b := baseIntent()
	b.Venue = "  POLYMARKET "
	b.Token = " YES-123"
	b.Side = "buy"
	b.Size = decimal.RequireFromString("10.000")
	b.Price = decimal.RequireFromString("0.550")

	if ComputeIntentKey(a) != ComputeIntentKey(b) {
		t.Errorf("normalized intents should share a key")
	}
	if len(ComputeIntentKey(a)) != 64 {
		t.Errorf("key length = %d, want 64", len(ComputeIntentKey(a)))
	}
}

func TestComputeIntentKey_DistinctFields(t *testing.T) {
	base := ComputeIntentKey(baseIntent())

	tests := []struct {
		name   string
		mutate func(*domain.OrderIntent)
	}{
		{"venue", func(i *domain.OrderIntent) { i.Venue = "kalshi" }},
		{"token", func(i *domain.OrderIntent) { i.Token = "NO-123" }},
		{"side", func(i *domain.OrderIntent) { i.Side = domain.SideSell }},
		{"size", func(i *domain.OrderIntent) { i.Size = decimal.RequireFromString("11") }},
		{"price", func(i *domain.OrderIntent) { i.Price = decimal.RequireFromString("0.56") }},
		{"identity", func(i *domain.OrderIntent) { i.Identity = "wallet-2" }},
		{"window", func(i *domain.OrderIntent) { i.Window = "2026-01-02T10:01" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := baseIntent()
			tt.mutate(&intent)
			if ComputeIntentKey(intent) == base {
				t.Errorf("changing %s should change the key", tt.name)
			}
		})
	}
}

func TestComputeClientOrderID(t *testing.T) {
	key := ComputeIntentKey(baseIntent())

	id := ComputeClientOrderID(key, 7)
	if len(id) != 36 {
		t.Errorf("client order id length = %d, want 36", len(id))
	}
	if id != ComputeClientOrderID(key, 7) {
		t.Errorf("client order id not deterministic")
	}
	if id == ComputeClientOrderID(key, 8) {
		t.Errorf("different nonce should change the client order id")
	}
}
