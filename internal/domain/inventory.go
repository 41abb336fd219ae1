package domain

import (
	"context"
	"time"
)

// InventoryItem is a stocked ingredient or supply owned by one organization.
type InventoryItem struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Quantity       float64   `json:"quantity"`
	Unit           string    `json:"unit"`
	MinStock       float64   `json:"min_stock"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StockStatus classifies an item's stock level relative to its minimum.
type StockStatus string

const (
	StockGood     StockStatus = "Good"
	StockLow      StockStatus = "Low"
	StockCritical StockStatus = "Critical"
)

// Status classifies the item from its quantity / min-stock ratio:
// below half the minimum is Critical, at or below the minimum is Low
// (the half-way boundary itself counts as Low), above it is Good.
// Items with no minimum configured are always Good.
func (i InventoryItem) Status() StockStatus {
	if i.MinStock <= 0 {
		return StockGood
	}
	ratio := i.Quantity / i.MinStock
	switch {
	case ratio < 0.5:
		return StockCritical
	case ratio <= 1:
		return StockLow
	default:
		return StockGood
	}
}

// InventoryStore is the tenant-scoped record access the hosted backend
// provides for inventory rows.
type InventoryStore interface {
	ListInventory(ctx context.Context, orgID string) ([]InventoryItem, error)
	GetInventoryItem(ctx context.Context, orgID, itemID string) (*InventoryItem, error)
	InsertInventoryItem(ctx context.Context, item InventoryItem) (*InventoryItem, error)
	UpdateInventoryItem(ctx context.Context, item InventoryItem) (*InventoryItem, error)
	DeleteInventoryItem(ctx context.Context, orgID, itemID string) error
	UpdateInventoryQuantity(ctx context.Context, orgID, itemID string, quantity float64) (*InventoryItem, error)
}
