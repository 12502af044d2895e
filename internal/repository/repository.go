package repository

import (
	"context"
	"time"

	"github.com/splax/resellermentor/internal/domain"
)

// ProfileRepository persists member profiles.
type ProfileRepository interface {
	GetProfileByID(ctx context.Context, id string) (*domain.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*domain.Profile, error)
	UpsertProfile(ctx context.Context, profile *domain.Profile) error
	UpdatePaymentStatusByEmail(ctx context.Context, email, status, customerID string) error
	UpdatePaymentStatusByCustomer(ctx context.Context, customerID, status string) error
}

// WaitlistRepository stores waitlist signups.
type WaitlistRepository interface {
	AddWaitlistEntry(ctx context.Context, entry *domain.WaitlistEntry) error
	CountWaitlist(ctx context.Context) (int, error)
}

// SupplyRepository exposes the recommended supplies table.
type SupplyRepository interface {
	ListSupplies(ctx context.Context) ([]domain.Supply, error)
	UpsertSupply(ctx context.Context, supply *domain.Supply) error
}

// UsageRepository tracks AI tool usage counters.
type UsageRepository interface {
	IncrementUsage(ctx context.Context, userID, tool, period string) (int, error)
	GetUsage(ctx context.Context, userID, tool, period string) (int, error)
	DeleteUsageBefore(ctx context.Context, period string) (int64, error)
}

// ChatRepository remembers which visitor owns a Slack support thread.
type ChatRepository interface {
	UpsertThread(ctx context.Context, thread *domain.ChatThread) error
	GetThread(ctx context.Context, threadTS string) (*domain.ChatThread, error)
	TouchThread(ctx context.Context, threadTS string, at time.Time) error
	DeleteThreadsIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// StripeEventRepository deduplicates webhook deliveries.
type StripeEventRepository interface {
	// RecordStripeEvent stores the event and reports whether it was seen for the first time.
	RecordStripeEvent(ctx context.Context, event domain.StripeEvent) (bool, error)
	// DeleteStripeEvent forgets an event so a failed delivery can be retried.
	DeleteStripeEvent(ctx context.Context, id string) error
}
