package domain

import (
	"testing"
	"time"
)

func TestInventoryItemStatus(t *testing.T) {
	tests := []struct {
		name     string
		quantity float64
		minStock float64
		want     StockStatus
	}{
		{"well stocked", 20, 10, StockGood},
		{"exactly double the minimum", 20.01, 10, StockGood},
		{"at the minimum", 10, 10, StockLow},
		{"between half and minimum", 7, 10, StockLow},
		{"exactly half the minimum", 5, 10, StockLow},
		{"just below half", 4, 10, StockCritical},
		{"empty", 0, 10, StockCritical},
		{"no minimum configured", 0, 0, StockGood},
		{"negative minimum", 5, -1, StockGood},
		{"fractional quantities", 0.4, 1, StockCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := InventoryItem{Quantity: tt.quantity, MinStock: tt.minStock}
			if got := item.Status(); got != tt.want {
				t.Errorf("Status() with quantity=%v min=%v = %v, want %v",
					tt.quantity, tt.minStock, got, tt.want)
			}
		})
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	if !nilSession.Expired(now) {
		t.Error("nil session should count as expired")
	}

	live := &Session{ExpiresAt: now.Add(time.Hour)}
	if live.Expired(now) {
		t.Error("session expiring in an hour should not be expired")
	}

	stale := &Session{ExpiresAt: now.Add(-time.Minute)}
	if !stale.Expired(now) {
		t.Error("session past its expiry should be expired")
	}

	noExpiry := &Session{}
	if noExpiry.Expired(now) {
		t.Error("session without an expiry should never expire")
	}
}
