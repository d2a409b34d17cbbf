package usecases

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
)

type UsageStore interface {
	IncrementIfBelow(ctx context.Context, tenantID, period string, limit int) (int, bool, error)
	RecordDaily(ctx context.Context, tenantID, day string) error
	ClaimThreshold(ctx context.Context, tenantID, period string, threshold int) (bool, error)
	ReleaseThreshold(ctx context.Context, tenantID, period string, threshold int) error
}

// UsageMeter counts messages against the monthly plan quota and tells the
// control plane once per period when a tenant reaches 80% and 100%.
type UsageMeter struct {
	store    UsageStore
	notifier interfaces.UsageNotifier
	tasks    interfaces.TaskRunner
	now      func() time.Time
}

// NewUsageMeter builds a meter. A nil notifier disables notifications.
func NewUsageMeter(store UsageStore, notifier interfaces.UsageNotifier, tasks interfaces.TaskRunner) *UsageMeter {
	return &UsageMeter{store: store, notifier: notifier, tasks: tasks, now: time.Now}
}

// CheckAndIncrement consumes one message of the tenant's quota. When the
// quota is exhausted nothing is consumed and Allowed is false.
func (m *UsageMeter) CheckAndIncrement(ctx context.Context, tenantID, plan string) (entities.UsageCheck, error) {
	limit := entities.LimitsForPlan(plan).MessagesPerMonth
	now := m.now()
	period := entities.Period(now)

	current, allowed, err := m.store.IncrementIfBelow(ctx, tenantID, period, limit)
	if err != nil {
		return entities.UsageCheck{Limit: limit}, eris.Wrap(err, "usage: check and increment")
	}
	if !allowed {
		m.notify(tenantID, period, entities.ThresholdLimit)
		return entities.UsageCheck{Allowed: false, Current: current, Limit: limit}, nil
	}

	if err := m.store.RecordDaily(ctx, tenantID, entities.Day(now)); err != nil {
		zap.L().Debug("daily usage not recorded", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	if pct := percentOf(current, limit); pct >= entities.ThresholdWarning {
		threshold := entities.ThresholdWarning
		if pct >= entities.ThresholdLimit {
			threshold = entities.ThresholdLimit
		}
		m.notify(tenantID, period, threshold)
	}

	return entities.UsageCheck{Allowed: true, Current: current, Limit: limit}, nil
}

func percentOf(current, limit int) int {
	if limit <= 0 {
		return 100
	}
	return int(math.Round(float64(current) * 100 / float64(limit)))
}

// notify claims the threshold durably and sends in the background. A
// failed send releases the claim so the next message tries again.
func (m *UsageMeter) notify(tenantID, period string, threshold int) {
	if m.notifier == nil || m.tasks == nil {
		return
	}
	log := zap.L().With(zap.String("tenant_id", tenantID), zap.String("period", period), zap.Int("threshold", threshold))

	accepted := m.tasks.Submit("usage-notify", func(ctx context.Context) error {
		claimed, err := m.store.ClaimThreshold(ctx, tenantID, period, threshold)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		if err := m.notifier.NotifyUsage(ctx, tenantID, threshold); err != nil {
			if relErr := m.store.ReleaseThreshold(ctx, tenantID, period, threshold); relErr != nil {
				log.Warn("usage notification claim not released", zap.Error(relErr))
			}
			return eris.Wrap(err, "usage: notify")
		}
		log.Info("usage notification sent")
		return nil
	})
	if !accepted {
		log.Warn("usage notification dropped, worker queue full")
	}
}
