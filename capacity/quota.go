package capacity

import (
	"context"
	"fmt"
)

// QuotaSource supplies a seeker's limit on simultaneously active requests.
// The engine only evaluates the returned integer.
type QuotaSource interface {
	ActiveRequestLimit(ctx context.Context, seeker ParticipantID) (int, error)
}

// TierLookup resolves the subscription tier of a seeker. An empty tier
// means the seeker has no subscription on record.
type TierLookup interface {
	TierOf(ctx context.Context, seeker ParticipantID) (string, error)
}

// TierQuota maps subscription tiers to request limits.
type TierQuota struct {
	Lookup      TierLookup
	Limits      map[string]int
	DefaultTier string
}

func (q TierQuota) ActiveRequestLimit(ctx context.Context, seeker ParticipantID) (int, error) {
	tier := q.DefaultTier
	if q.Lookup != nil {
		t, err := q.Lookup.TierOf(ctx, seeker)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve tier for %s: %w", seeker, err)
		}
		if t != "" {
			tier = t
		}
	}
	limit, ok := q.Limits[tier]
	if !ok {
		return 0, fmt.Errorf("no request limit configured for tier %q", tier)
	}
	return limit, nil
}

// StaticQuota grants every seeker the same limit.
type StaticQuota int

func (q StaticQuota) ActiveRequestLimit(context.Context, ParticipantID) (int, error) {
	return int(q), nil
}

// SettlementGuard is consulted before a consolidation is cancelled. It
// reports whether any of the still-reserved bookings has been paid or
// settled downstream, in which case cancellation is refused.
type SettlementGuard interface {
	BlocksCancellation(ctx context.Context, id ConsolidationID, reserved []BookingID) (bool, error)
}

// NoSettlement never blocks.
type NoSettlement struct{}

func (NoSettlement) BlocksCancellation(context.Context, ConsolidationID, []BookingID) (bool, error) {
	return false, nil
}
