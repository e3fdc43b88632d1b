package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/store"
)

// KeyCounter counts audit entries per key. *store.Store implements it.
type KeyCounter interface {
	CountByKey(ctx context.Context, action string, since time.Time) ([]store.KeyActionCount, error)
}

// RejectionAdvisor flags keys that collected many validation failures or
// rate-limit rejections within a trailing window.
type RejectionAdvisor struct {
	Counter   KeyCounter
	Window    time.Duration
	Threshold int64
}

// Advise implements Advisor. A key is reported once per action that crossed
// the threshold; twice the threshold is high severity.
func (a RejectionAdvisor) Advise(ctx context.Context, now time.Time) ([]Advisory, error) {
	if a.Threshold <= 0 || a.Window <= 0 {
		return nil, nil
	}
	since := now.Add(-a.Window)

	var out []Advisory
	for _, action := range []string{model.ActionKeyRejected, model.ActionRateLimited} {
		counts, err := a.Counter.CountByKey(ctx, action, since)
		if err != nil {
			return nil, err
		}
		for _, c := range counts {
			if c.Count < a.Threshold {
				break
			}
			severity := "medium"
			if c.Count >= 2*a.Threshold {
				severity = "high"
			}
			out = append(out, Advisory{
				KeyID:       c.APIKeyID,
				Severity:    severity,
				Description: fmt.Sprintf("%d %s events in the last %s", c.Count, action, a.Window),
			})
		}
	}
	return out, nil
}
