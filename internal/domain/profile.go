package domain

import "time"

// Payment states stored on profiles.payment_status.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentPastDue  = "past_due"
	PaymentCanceled = "canceled"
)

// Profile is the member row keyed by the Supabase auth user id.
type Profile struct {
	ID               string
	Email            string
	PaymentStatus    string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsPaid reports whether the member has an active paid subscription.
func (p Profile) IsPaid() bool {
	return p.PaymentStatus == PaymentPaid
}

// WaitlistEntry is an email captured before a seat opens.
type WaitlistEntry struct {
	ID        string
	Email     string
	CreatedAt time.Time
	// Position is the list size right after this signup; zero when unknown.
	Position int
}

// StripeEvent records a processed webhook delivery.
type StripeEvent struct {
	ID         string
	Type       string
	ReceivedAt time.Time
}
