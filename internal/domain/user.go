package domain

import (
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/plan"
)

// Payment statuses tracked from Stripe invoices.
const (
	PaymentCurrent = "current"
	PaymentPastDue = "past_due"
)

// User represents a platform account keyed by its identity-provider uid.
type User struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	Name                 string    `json:"name,omitempty"`
	Plan                 plan.Plan `json:"plan"`
	StripeCustomerID     string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string    `json:"stripe_subscription_id,omitempty"`
	SubscriptionStatus   string    `json:"subscription_status,omitempty"`
	PaymentStatus        string    `json:"payment_status,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// UserBillingUpdate carries the mutable subscription fields of a user.
type UserBillingUpdate struct {
	UserID               string
	Plan                 *plan.Plan
	StripeCustomerID     *string
	StripeSubscriptionID *string
	SubscriptionStatus   *string
	PaymentStatus        *string
}
