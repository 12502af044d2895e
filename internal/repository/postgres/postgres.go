package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/resellermentor/internal/domain"
	"github.com/splax/resellermentor/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProfileRepository     = (*Repository)(nil)
	_ repository.WaitlistRepository    = (*Repository)(nil)
	_ repository.SupplyRepository      = (*Repository)(nil)
	_ repository.UsageRepository       = (*Repository)(nil)
	_ repository.ChatRepository        = (*Repository)(nil)
	_ repository.StripeEventRepository = (*Repository)(nil)
)

const profileColumns = `id, email, payment_status, stripe_customer_id, created_at, updated_at`

// GetProfileByID fetches a profile by auth user id.
func (r *Repository) GetProfileByID(ctx context.Context, id string) (*domain.Profile, error) {
	const query = `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	return scanProfile(r.pool.QueryRow(ctx, query, id))
}

// GetProfileByEmail fetches a profile by lowercased email.
func (r *Repository) GetProfileByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	const query = `SELECT ` + profileColumns + ` FROM profiles WHERE email = $1`
	return scanProfile(r.pool.QueryRow(ctx, query, normalizeEmail(email)))
}

// UpsertProfile inserts a profile or refreshes its email.
func (r *Repository) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	const query = `INSERT INTO profiles (id, email, payment_status, stripe_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = EXCLUDED.updated_at
		RETURNING payment_status, created_at, updated_at`
	now := profile.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	status := profile.PaymentStatus
	if status == "" {
		status = domain.PaymentPending
	}
	err := r.pool.QueryRow(ctx, query,
		profile.ID,
		normalizeEmail(profile.Email),
		status,
		emptyToNil(profile.StripeCustomerID),
		now,
	).Scan(&profile.PaymentStatus, &profile.CreatedAt, &profile.UpdatedAt)
	return mapWriteError(err)
}

// UpdatePaymentStatusByEmail sets payment status (and optionally the Stripe customer) for an email.
func (r *Repository) UpdatePaymentStatusByEmail(ctx context.Context, email, status, customerID string) error {
	const query = `UPDATE profiles
		SET payment_status = $2,
			stripe_customer_id = COALESCE($3, stripe_customer_id),
			updated_at = NOW()
		WHERE email = $1`
	cmdTag, err := r.pool.Exec(ctx, query, normalizeEmail(email), status, emptyToNil(customerID))
	return requireRows(cmdTag, err)
}

// UpdatePaymentStatusByCustomer sets payment status for the profile owning a Stripe customer.
func (r *Repository) UpdatePaymentStatusByCustomer(ctx context.Context, customerID, status string) error {
	const query = `UPDATE profiles SET payment_status = $2, updated_at = NOW() WHERE stripe_customer_id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, customerID, status)
	return requireRows(cmdTag, err)
}

// AddWaitlistEntry inserts a waitlist email.
func (r *Repository) AddWaitlistEntry(ctx context.Context, entry *domain.WaitlistEntry) error {
	const query = `INSERT INTO waitlist (id, email, created_at) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, entry.ID, normalizeEmail(entry.Email), entry.CreatedAt)
	return mapWriteError(err)
}

// CountWaitlist returns the number of waitlist entries.
func (r *Repository) CountWaitlist(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM waitlist`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListSupplies returns recommended supplies ordered by name.
func (r *Repository) ListSupplies(ctx context.Context) ([]domain.Supply, error) {
	const query = `SELECT id, supply_list, purchase_link, created_at
		FROM recommended_supplies ORDER BY supply_list ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	supplies := make([]domain.Supply, 0)
	for rows.Next() {
		var s domain.Supply
		var link sql.NullString
		if err := rows.Scan(&s.ID, &s.SupplyList, &link, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.PurchaseLink = link.String
		supplies = append(supplies, s)
	}
	return supplies, rows.Err()
}

// UpsertSupply inserts or updates a recommended supply.
func (r *Repository) UpsertSupply(ctx context.Context, supply *domain.Supply) error {
	const query = `INSERT INTO recommended_supplies (id, supply_list, purchase_link, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET supply_list = EXCLUDED.supply_list, purchase_link = EXCLUDED.purchase_link`
	if supply.CreatedAt.IsZero() {
		supply.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, supply.ID, supply.SupplyList, emptyToNil(supply.PurchaseLink), supply.CreatedAt)
	return mapWriteError(err)
}

// IncrementUsage bumps the usage counter and returns the new value.
func (r *Repository) IncrementUsage(ctx context.Context, userID, tool, period string) (int, error) {
	const query = `INSERT INTO ai_usage (user_id, tool, period, count, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (user_id, tool, period) DO UPDATE SET count = ai_usage.count + 1, updated_at = NOW()
		RETURNING count`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID, tool, period).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetUsage returns the usage counter for a period, zero when absent.
func (r *Repository) GetUsage(ctx context.Context, userID, tool, period string) (int, error) {
	const query = `SELECT count FROM ai_usage WHERE user_id = $1 AND tool = $2 AND period = $3`
	var count int
	if err := r.pool.QueryRow(ctx, query, userID, tool, period).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// DeleteUsageBefore removes counters of periods older than period.
func (r *Repository) DeleteUsageBefore(ctx context.Context, period string) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM ai_usage WHERE period < $1`, period)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

// UpsertThread stores the owner of a support thread.
func (r *Repository) UpsertThread(ctx context.Context, thread *domain.ChatThread) error {
	const query = `INSERT INTO chat_threads (thread_ts, email, context, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (thread_ts) DO UPDATE SET last_message_at = EXCLUDED.last_message_at`
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, thread.ThreadTS, emptyToNil(thread.Email), emptyToNil(thread.Context), thread.CreatedAt)
	return mapWriteError(err)
}

// GetThread loads a support thread by Slack timestamp.
func (r *Repository) GetThread(ctx context.Context, threadTS string) (*domain.ChatThread, error) {
	const query = `SELECT thread_ts, email, context, created_at, last_message_at FROM chat_threads WHERE thread_ts = $1`
	var (
		thread  domain.ChatThread
		email   sql.NullString
		context sql.NullString
	)
	err := r.pool.QueryRow(ctx, query, threadTS).Scan(&thread.ThreadTS, &email, &context, &thread.CreatedAt, &thread.LastMessageAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	thread.Email = email.String
	thread.Context = context.String
	return &thread, nil
}

// TouchThread records activity on a thread.
func (r *Repository) TouchThread(ctx context.Context, threadTS string, at time.Time) error {
	cmdTag, err := r.pool.Exec(ctx, `UPDATE chat_threads SET last_message_at = $2 WHERE thread_ts = $1`, threadTS, at)
	return requireRows(cmdTag, err)
}

// DeleteThreadsIdleSince removes threads without activity after cutoff.
func (r *Repository) DeleteThreadsIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM chat_threads WHERE last_message_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

// RecordStripeEvent inserts the event id; a repeat delivery reports false.
func (r *Repository) RecordStripeEvent(ctx context.Context, event domain.StripeEvent) (bool, error) {
	const query = `INSERT INTO stripe_events (id, type, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	cmdTag, err := r.pool.Exec(ctx, query, event.ID, event.Type, event.ReceivedAt)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() == 1, nil
}

// DeleteStripeEvent removes a recorded event id.
func (r *Repository) DeleteStripeEvent(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM stripe_events WHERE id = $1`, id)
	return err
}

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	var (
		p        domain.Profile
		customer sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Email, &p.PaymentStatus, &customer, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.StripeCustomerID = customer.String
	return &p, nil
}

// requireRows maps an update that matched nothing to ErrNotFound.
func requireRows(cmdTag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repository.ErrConflict
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
