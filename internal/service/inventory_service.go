package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/yourorg/stockroom/internal/domain"
)

// InventoryService manages an organization's inventory through the
// tenant-scoped backend store. Quantity adjustments are clamped so the
// displayed quantity can never go below zero, regardless of how many
// decrements arrive.
type InventoryService struct {
	store  domain.InventoryStore
	logger *slog.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store domain.InventoryStore, logger *slog.Logger) *InventoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InventoryService{store: store, logger: logger}
}

// List returns the organization's items sorted by name.
func (s *InventoryService) List(ctx context.Context, orgID string) ([]domain.InventoryItem, error) {
	if orgID == "" {
		return nil, errors.New("organization is required")
	}

	items, err := s.store.ListInventory(ctx, orgID)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

// Create validates and stores a new item.
func (s *InventoryService) Create(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if err := validateItem(item); err != nil {
		return nil, err
	}

	created, err := s.store.InsertInventoryItem(ctx, item)
	if err != nil {
		return nil, err
	}

	s.logger.Info("inventory item created",
		slog.String("item_id", created.ID),
		slog.String("name", created.Name),
		slog.String("organization_id", created.OrganizationID),
	)
	return created, nil
}

// Update validates and replaces an item's editable fields.
func (s *InventoryService) Update(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.ID == "" {
		return nil, errors.New("item id is required")
	}
	if err := validateItem(item); err != nil {
		return nil, err
	}
	return s.store.UpdateInventoryItem(ctx, item)
}

// Delete removes an item.
func (s *InventoryService) Delete(ctx context.Context, orgID, itemID string) error {
	if orgID == "" || itemID == "" {
		return errors.New("organization and item id are required")
	}
	if err := s.store.DeleteInventoryItem(ctx, orgID, itemID); err != nil {
		return err
	}
	s.logger.Info("inventory item deleted",
		slog.String("item_id", itemID),
		slog.String("organization_id", orgID),
	)
	return nil
}

// AdjustQuantity applies a relative change to an item's quantity, clamped
// at zero.
func (s *InventoryService) AdjustQuantity(ctx context.Context, orgID, itemID string, delta float64) (*domain.InventoryItem, error) {
	item, err := s.store.GetInventoryItem(ctx, orgID, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("inventory item not found")
	}

	quantity := item.Quantity + delta
	if quantity < 0 {
		quantity = 0
	}
	return s.store.UpdateInventoryQuantity(ctx, orgID, itemID, quantity)
}

// Stats summarizes the dashboard numbers for an organization.
type Stats struct {
	TotalItems int
	Categories int
	LowStock   int
	Critical   int
}

// Overview fetches the inventory and computes dashboard stats.
func (s *InventoryService) Overview(ctx context.Context, orgID string) ([]domain.InventoryItem, Stats, error) {
	items, err := s.List(ctx, orgID)
	if err != nil {
		return nil, Stats{}, err
	}
	return items, Summarize(items), nil
}

// Summarize computes dashboard stats for a list of items.
func Summarize(items []domain.InventoryItem) Stats {
	stats := Stats{TotalItems: len(items)}
	categories := map[string]struct{}{}
	for _, item := range items {
		categories[item.Category] = struct{}{}
		switch item.Status() {
		case domain.StockCritical:
			stats.Critical++
			stats.LowStock++
		case domain.StockLow:
			stats.LowStock++
		}
	}
	stats.Categories = len(categories)
	return stats
}

// LowStock returns items at or below their minimum stock level, critical
// ones included.
func LowStock(items []domain.InventoryItem) []domain.InventoryItem {
	var out []domain.InventoryItem
	for _, item := range items {
		if item.Status() != domain.StockGood {
			out = append(out, item)
		}
	}
	return out
}

// Critical returns items below half their minimum stock level.
func Critical(items []domain.InventoryItem) []domain.InventoryItem {
	var out []domain.InventoryItem
	for _, item := range items {
		if item.Status() == domain.StockCritical {
			out = append(out, item)
		}
	}
	return out
}

func validateItem(item domain.InventoryItem) error {
	if item.OrganizationID == "" {
		return errors.New("organization is required")
	}
	if strings.TrimSpace(item.Name) == "" {
		return errors.New("item name is required")
	}
	if strings.TrimSpace(item.Unit) == "" {
		return errors.New("unit is required")
	}
	if item.Quantity < 0 {
		return errors.New("quantity cannot be negative")
	}
	if item.MinStock < 0 {
		return errors.New("minimum stock cannot be negative")
	}
	return nil
}
