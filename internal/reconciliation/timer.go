package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/voxreseller/internal/provisioning"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

const (
	callTimeout     = 10 * time.Second
	defaultPageSize = 200
)

// SyncSummary counts the calls one resource sync issued.
type SyncSummary struct {
	Scanned    int `json:"scanned"`
	Enabled    int `json:"enabled"`
	Disabled   int `json:"disabled"`
	NoResource int `json:"noResource"`
	Failed     int `json:"failed"`
}

// ResourceSync re-asserts every client's resource state against its
// operational status. Provisioning calls are fire-and-forget on the webhook
// path, so a lost call leaves drift that only this sync repairs. Enable and
// disable are idempotent on the provisioning side.
type ResourceSync struct {
	store       tenant.ClientStore
	provisioner provisioning.Collaborator
	interval    time.Duration
	pageSize    int
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewResourceSync creates a resource sync that runs every interval once
// started.
func NewResourceSync(store tenant.ClientStore, provisioner provisioning.Collaborator, interval time.Duration, logger *slog.Logger) *ResourceSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceSync{
		store:       store,
		provisioner: provisioner,
		interval:    interval,
		pageSize:    defaultPageSize,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the sync loop is actively running.
func (r *ResourceSync) Running() bool {
	return r.running.Load()
}

// Start begins the periodic sync loop. Call in a goroutine.
func (r *ResourceSync) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("resource sync disabled")
		return
	}
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (r *ResourceSync) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *ResourceSync) safeRun(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in resource sync", "panic", fmt.Sprint(p))
		}
	}()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn("resource sync failed", "error", err)
	}
}

// RunOnce pages through every client and issues enable for active clients
// and disable for suspended ones.
func (r *ResourceSync) RunOnce(ctx context.Context) (*SyncSummary, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "reconciliation.ResourceSync")
	defer span.End()

	summary := &SyncSummary{}
	after := ""
	for {
		page, err := r.store.ListClients(ctx, after, r.pageSize)
		if err != nil {
			traces.RecordError(span, err)
			syncRuns.WithLabelValues("error").Inc()
			return summary, fmt.Errorf("list clients: %w", err)
		}
		for _, c := range page {
			r.reassert(ctx, c, summary)
		}
		if len(page) < r.pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	syncRuns.WithLabelValues("ok").Inc()
	syncDuration.Observe(time.Since(start).Seconds())
	r.logger.Info("resource sync finished",
		"scanned", summary.Scanned,
		"enabled", summary.Enabled,
		"disabled", summary.Disabled,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (r *ResourceSync) reassert(ctx context.Context, c *tenant.Client, summary *SyncSummary) {
	summary.Scanned++
	if c.ResourceID == "" {
		summary.NoResource++
		return
	}

	op, call := "enable", r.provisioner.EnableResource
	if c.Status == tenant.ClientSuspended {
		op, call = "disable", r.provisioner.DisableResource
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := call(callCtx, c.ResourceID); err != nil {
		summary.Failed++
		syncCalls.WithLabelValues(op, "error").Inc()
		r.logger.Warn("resource sync call failed", "op", op, "client_id", c.ID, "resource_id", c.ResourceID, "error", err)
		return
	}
	syncCalls.WithLabelValues(op, "ok").Inc()
	if op == "enable" {
		summary.Enabled++
	} else {
		summary.Disabled++
	}
}
