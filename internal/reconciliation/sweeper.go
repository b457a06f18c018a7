// Package reconciliation runs the background jobs that bring tenant state
// back in line with the clock and with the provisioning service: the trial
// sweep, which expires elapsed client trials, and the resource sync, which
// re-issues enable/disable calls that may have been lost.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/metrics"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/provisioning"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
)

// DefaultBatchSize bounds each ListExpiredTrials query.
const DefaultBatchSize = 100

// Per-client results of a sweep.
const (
	ResultExpired = "expired"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Outcome is what a sweep did to one client.
type Outcome struct {
	ClientID string `json:"clientId"`
	AgencyID string `json:"agencyId"`
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
}

// Summary is the result of one sweep. ProcessedCount counts clients that
// were actually expired by this run.
type Summary struct {
	ProcessedCount int       `json:"processedCount"`
	Outcomes       []Outcome `json:"outcomes"`
}

// TrialSweeper expires client trials whose end has passed.
//
// The expiry itself is a conditional update, so a sweep racing a webhook
// that activates the same client never overwrites the activation. The
// resource is disabled and the owner notified only when this sweep made
// the change.
type TrialSweeper struct {
	store       tenant.ClientStore
	provisioner provisioning.Collaborator
	notifier    notify.Notifier
	batchSize   int
	now         func() time.Time

	mu sync.Mutex // one sweep at a time
}

// NewTrialSweeper creates a sweeper.
func NewTrialSweeper(store tenant.ClientStore, provisioner provisioning.Collaborator, notifier notify.Notifier) *TrialSweeper {
	return &TrialSweeper{
		store:       store,
		provisioner: provisioner,
		notifier:    notifier,
		batchSize:   DefaultBatchSize,
		now:         time.Now,
	}
}

// Run sweeps all elapsed trials. Per-client failures are reported in the
// summary; an error is returned only when the candidates cannot be listed.
func (s *TrialSweeper) Run(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "reconciliation.TrialSweep")
	defer span.End()

	now := s.now()
	summary := &Summary{Outcomes: []Outcome{}}
	for {
		batch, err := s.store.ListExpiredTrials(ctx, now, s.batchSize)
		if err != nil {
			traces.RecordError(span, err)
			sweepRuns.WithLabelValues("error").Inc()
			return summary, fmt.Errorf("list expired trials: %w", err)
		}

		progressed := false
		for _, c := range batch {
			out := s.expire(ctx, c, now)
			if out.Result == ResultExpired {
				summary.ProcessedCount++
				progressed = true
			}
			summary.Outcomes = append(summary.Outcomes, out)
		}
		// Failed rows stay in trial and would be listed again.
		if len(batch) < s.batchSize || !progressed {
			break
		}
	}

	sweepRuns.WithLabelValues("ok").Inc()
	sweepDuration.Observe(time.Since(start).Seconds())
	logging.L(ctx).Info("trial sweep finished", "expired", summary.ProcessedCount, "seen", len(summary.Outcomes))
	return summary, nil
}

func (s *TrialSweeper) expire(ctx context.Context, c *tenant.Client, now time.Time) Outcome {
	out := Outcome{ClientID: c.ID, AgencyID: c.AgencyID}
	logger := logging.L(ctx).With("client_id", c.ID, "agency_id", c.AgencyID)

	changed, err := s.store.ExpireTrial(ctx, c.ID, now)
	switch {
	case err != nil:
		logger.Error("failed to expire trial", "error", err)
		sweepClients.WithLabelValues(ResultError).Inc()
		out.Result, out.Error = ResultError, err.Error()
		return out
	case !changed:
		sweepClients.WithLabelValues(ResultSkipped).Inc()
		out.Result = ResultSkipped
		return out
	}

	sweepClients.WithLabelValues(ResultExpired).Inc()
	metrics.SubscriptionTransitionsTotal.WithLabelValues("client", string(tenant.SubTrial), string(tenant.SubTrialExpired)).Inc()
	logger.Info("client trial expired")

	s.disable(ctx, logger, c.ResourceID)
	notify.Send(ctx, s.notifier, notify.Notification{
		Kind:      notify.ClientTrialExpired,
		Recipient: c.OwnerEmail,
		AgencyID:  c.AgencyID,
		ClientID:  c.ID,
		Data:      map[string]any{"trialEndsAt": c.TrialEndsAt},
	})
	out.Result = ResultExpired
	return out
}

func (s *TrialSweeper) disable(ctx context.Context, logger *slog.Logger, resourceID string) {
	if resourceID == "" {
		logger.Warn("expired client has no resource")
		metrics.ProvisioningCallsTotal.WithLabelValues("disable", "no_resource").Inc()
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callTimeout)
	defer cancel()
	if err := s.provisioner.DisableResource(callCtx, resourceID); err != nil {
		logger.Error("failed to disable resource after trial expiry", "resource_id", resourceID, "error", err)
	}
}
