package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/yourorg/stockroom/internal/authstate"
	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/observability/metrics"
	"github.com/yourorg/stockroom/internal/service"
)

// SnapshotSource provides the current auth/organization projection.
type SnapshotSource interface {
	Snapshot() authstate.Snapshot
}

// Inventory is the slice of the inventory service the worker needs.
type Inventory interface {
	List(ctx context.Context, orgID string) ([]domain.InventoryItem, error)
}

// AlertWorker periodically scans the signed-in organization's inventory and
// surfaces low-stock and critical items in the log and metrics.
type AlertWorker struct {
	auth      SnapshotSource
	inventory Inventory
	logger    *slog.Logger
	interval  time.Duration
}

// NewAlertWorker creates a new alert worker
func NewAlertWorker(auth SnapshotSource, inventory Inventory, logger *slog.Logger, interval time.Duration) *AlertWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertWorker{
		auth:      auth,
		inventory: inventory,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the alert worker loop. It runs until the context is
// canceled.
func (w *AlertWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("stock alert worker started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stock alert worker stopped")
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan runs one alert pass. Anonymous or org-less sessions are skipped;
// fetch failures are logged and retried on the next tick.
func (w *AlertWorker) scan(ctx context.Context) {
	snap := w.auth.Snapshot()
	if snap.Loading || snap.Organization == nil {
		return
	}

	items, err := w.inventory.List(ctx, snap.Organization.ID)
	if err != nil {
		w.logger.Error("stock alert scan failed",
			slog.String("organization_id", snap.Organization.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	low := service.LowStock(items)
	critical := service.Critical(items)
	metrics.SetStockAlertLevels(len(low), len(critical))

	for _, item := range low {
		level := slog.LevelWarn
		if item.Status() == domain.StockCritical {
			level = slog.LevelError
		}
		w.logger.Log(ctx, level, "stock below minimum",
			slog.String("item", item.Name),
			slog.String("category", item.Category),
			slog.Float64("quantity", item.Quantity),
			slog.Float64("min_stock", item.MinStock),
			slog.String("unit", item.Unit),
			slog.String("status", string(item.Status())),
		)
	}
}
