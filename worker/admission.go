package worker

import (
	"context"
	"fmt"

	"transcribe/models"
)

// Admission decides whether a user may start another job of a given type.
// It has no side effects; callers act on the returned Decision.
type Admission struct {
	tiers  TierResolver
	index  ActiveIndex
	limits map[models.Tier]int64
}

func NewAdmission(tiers TierResolver, index ActiveIndex, limits map[models.Tier]int64) *Admission {
	return &Admission{tiers: tiers, index: index, limits: limits}
}

// Limit returns the concurrency ceiling for tier. Zero means unbounded.
func (a *Admission) Limit(tier models.Tier) int64 {
	return a.limits[tier]
}

func (a *Admission) Tier(ctx context.Context, userID string) (models.Tier, error) {
	tier, err := a.tiers.Tier(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve tier: %w", err)
	}
	return tier, nil
}

// CanAdmit counts the user's processing entries for jobType and compares
// them with the tier ceiling. Queued entries do not consume capacity.
func (a *Admission) CanAdmit(ctx context.Context, userID, jobType string) (models.Decision, error) {
	tier, err := a.Tier(ctx, userID)
	if err != nil {
		return models.Decision{}, err
	}
	limit := a.Limit(tier)

	current, err := a.index.CountProcessing(ctx, userID, jobType)
	if err != nil {
		return models.Decision{}, fmt.Errorf("count active jobs: %w", err)
	}

	d := models.Decision{
		Allowed:    true,
		Tier:       tier,
		Priority:   tier.Priority(),
		Concurrent: current,
		TierLimit:  limit,
	}
	if limit > 0 && current >= limit {
		d.Allowed = false
		d.Reason = fmt.Sprintf("%s plan allows %d concurrent %s job(s); %d already running",
			tier, limit, jobType, current)
	}
	return d, nil
}
