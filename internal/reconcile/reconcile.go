package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/relaybill/relaybill/internal/clock"
	providerbilling "github.com/relaybill/relaybill/internal/providers/billing"
	subscriptiondomain "github.com/relaybill/relaybill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DriftMissingLocal   = "missing_local"
	DriftMissingRemote  = "missing_remote"
	DriftStatusMismatch = "status_mismatch"
)

// Drift is one divergence between the local subscription mirror and the
// provider's view.
type Drift struct {
	Kind                   string `json:"kind"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	LocalStatus            string `json:"local_status,omitempty"`
	RemoteStatus           string `json:"remote_status,omitempty"`
	PlanCode               string `json:"plan_code,omitempty"`
}

// Report is a point-in-time diff. Webhooks are the source of truth for
// writes; the report only surfaces drift for an operator to act on.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	LocalCount  int       `json:"local_count"`
	RemoteCount int       `json:"remote_count"`
	Drifts      []Drift   `json:"drifts"`
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Subs     subscriptiondomain.Repository
	Provider providerbilling.Client
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	subs     subscriptiondomain.Repository
	provider providerbilling.Client
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("reconcile.service"),
		clock:    p.Clock,
		subs:     p.Subs,
		provider: p.Provider,
	}
}

// Report compares every local record against the provider listing. It never
// mutates state; missed webhooks show up as drift until redelivery or a
// manual fix.
func (s *Service) Report(ctx context.Context) (*Report, error) {
	local, err := s.subs.List(ctx, subscriptiondomain.ListFilter{})
	if err != nil {
		return nil, err
	}
	remote, err := s.provider.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	localByID := make(map[string]subscriptiondomain.SubscriptionRecord, len(local))
	for _, record := range local {
		localByID[record.ExternalSubscriptionID] = record
	}
	remoteByID := make(map[string]providerbilling.ProviderSubscription, len(remote))
	for _, sub := range remote {
		remoteByID[sub.ID] = sub
	}

	report := &Report{
		GeneratedAt: s.clock.Now(),
		LocalCount:  len(local),
		RemoteCount: len(remote),
	}

	for id, sub := range remoteByID {
		record, ok := localByID[id]
		if !ok {
			report.Drifts = append(report.Drifts, Drift{
				Kind:                   DriftMissingLocal,
				ExternalSubscriptionID: id,
				RemoteStatus:           sub.Status,
				PlanCode:               sub.PlanCode,
			})
			continue
		}
		if string(record.Status) != sub.Status {
			report.Drifts = append(report.Drifts, Drift{
				Kind:                   DriftStatusMismatch,
				ExternalSubscriptionID: id,
				LocalStatus:            string(record.Status),
				RemoteStatus:           sub.Status,
				PlanCode:               record.PlanCode,
			})
		}
	}
	for id, record := range localByID {
		if _, ok := remoteByID[id]; !ok {
			report.Drifts = append(report.Drifts, Drift{
				Kind:                   DriftMissingRemote,
				ExternalSubscriptionID: id,
				LocalStatus:            string(record.Status),
				PlanCode:               record.PlanCode,
			})
		}
	}

	sort.Slice(report.Drifts, func(i, j int) bool {
		if report.Drifts[i].Kind != report.Drifts[j].Kind {
			return report.Drifts[i].Kind < report.Drifts[j].Kind
		}
		return report.Drifts[i].ExternalSubscriptionID < report.Drifts[j].ExternalSubscriptionID
	})

	if len(report.Drifts) > 0 {
		s.log.Warn("subscription drift detected",
			zap.Int("drift_count", len(report.Drifts)),
			zap.Int("local_count", report.LocalCount),
			zap.Int("remote_count", report.RemoteCount),
		)
	}
	return report, nil
}

var Module = fx.Module("reconcile",
	fx.Provide(NewService),
)
