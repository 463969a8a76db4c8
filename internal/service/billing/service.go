// Package billing manages Stripe subscriptions and reacts to their webhooks.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
	"github.com/JoeProAI/neural-weights-hub/internal/notify"
	"github.com/JoeProAI/neural-weights-hub/internal/plan"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
	"github.com/JoeProAI/neural-weights-hub/internal/usage"
)

// Webhook event types handled by HandleEvent.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotConfigured    = errors.New("billing not configured")
	ErrNoCustomer       = errors.New("no billing account for user")
	ErrNoSubscription   = errors.New("no active subscription")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMalformedEvent   = errors.New("malformed webhook payload")
)

// SandboxSuspender stops a user's running sandboxes.
type SandboxSuspender interface {
	SuspendUser(ctx context.Context, userID, reason string) (int, error)
}

// UsageSummarizer reports current-period usage.
type UsageSummarizer interface {
	Summary(ctx context.Context, user domain.User) (usage.Summary, error)
}

// Config holds billing settings.
type Config struct {
	WebhookSecret string
	Prices        map[plan.Plan]string
	FrontendURL   string
}

// Service implements subscription management.
type Service struct {
	users     repository.UserRepository
	gateway   Gateway
	sandboxes SandboxSuspender
	usage     UsageSummarizer
	notifier  notify.Notifier
	logger    *slog.Logger
	cfg       Config
}

// New constructs a billing service.
func New(users repository.UserRepository, gateway Gateway, sandboxes SandboxSuspender, usage UsageSummarizer, notifier notify.Notifier, logger *slog.Logger, cfg Config) Service {
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	return Service{
		users:     users,
		gateway:   gateway,
		sandboxes: sandboxes,
		usage:     usage,
		notifier:  notifier,
		logger:    logger.With("component", "billing"),
		cfg:       cfg,
	}
}

// Overview is the billing dashboard payload.
type Overview struct {
	Plan               plan.Plan     `json:"plan"`
	SubscriptionStatus string        `json:"subscription_status"`
	PaymentStatus      string        `json:"payment_status"`
	HasBillingAccount  bool          `json:"has_billing_account"`
	Limits             plan.Limits   `json:"limits"`
	Usage              usage.Summary `json:"usage"`
}

// Overview returns plan, statuses and the usage summary.
func (s Service) Overview(ctx context.Context, user domain.User) (*Overview, error) {
	summary, err := s.usage.Summary(ctx, user)
	if err != nil {
		return nil, err
	}
	p := plan.Parse(string(user.Plan))
	payment := user.PaymentStatus
	if payment == "" {
		payment = domain.PaymentCurrent
	}
	return &Overview{
		Plan:               p,
		SubscriptionStatus: user.SubscriptionStatus,
		PaymentStatus:      payment,
		HasBillingAccount:  user.StripeCustomerID != "",
		Limits:             plan.LimitsFor(p),
		Usage:              summary,
	}, nil
}

// Checkout returns a hosted checkout URL for the plan.
func (s Service) Checkout(ctx context.Context, user domain.User, planName string) (string, error) {
	price, err := s.priceFor(planName)
	if err != nil {
		return "", err
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return "", err
	}
	url, err := s.gateway.CheckoutURL(ctx, customerID, price, user.ID,
		s.cfg.FrontendURL+"/dashboard?checkout=success",
		s.cfg.FrontendURL+"/pricing?checkout=canceled")
	if err != nil {
		return "", err
	}
	s.logger.Info("checkout session created", "user_id", user.ID, "plan", planName)
	return url, nil
}

// CreateSubscription subscribes the user directly with a payment method.
func (s Service) CreateSubscription(ctx context.Context, user domain.User, planName, paymentMethodID string) (*stripe.Subscription, error) {
	if strings.TrimSpace(paymentMethodID) == "" {
		return nil, fmt.Errorf("%w: payment method required", ErrInvalidInput)
	}
	price, err := s.priceFor(planName)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.gateway.AttachPaymentMethod(ctx, customerID, paymentMethodID); err != nil {
		return nil, err
	}
	sub, err := s.gateway.CreateSubscription(ctx, customerID, price, paymentMethodID)
	if err != nil {
		return nil, err
	}
	if err := s.applySubscription(ctx, user, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription created", "user_id", user.ID, "plan", planName, "status", sub.Status)
	return sub, nil
}

// CancelSubscription cancels at the end of the billing period.
func (s Service) CancelSubscription(ctx context.Context, user domain.User) (*stripe.Subscription, error) {
	if s.gateway == nil {
		return nil, ErrNotConfigured
	}
	if user.StripeSubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	sub, err := s.gateway.CancelAtPeriodEnd(ctx, user.StripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	status := string(sub.Status)
	if err := s.users.UpdateUserBilling(ctx, domain.UserBillingUpdate{UserID: user.ID, SubscriptionStatus: &status}); err != nil {
		return nil, err
	}
	s.logger.Info("subscription set to cancel at period end", "user_id", user.ID, "subscription_id", sub.ID)
	return sub, nil
}

// Portal returns a customer portal URL.
func (s Service) Portal(ctx context.Context, user domain.User) (string, error) {
	if s.gateway == nil {
		return "", ErrNotConfigured
	}
	if user.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}
	return s.gateway.PortalURL(ctx, user.StripeCustomerID, s.cfg.FrontendURL+"/billing")
}

// HandleWebhook verifies the payload signature and applies the event.
func (s Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Warn("webhook signature rejected", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent applies a verified event. Unknown event types are ignored.
func (s Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return ErrMalformedEvent
	}
	logger := s.logger.With("event_id", event.ID, "event_type", event.Type)
	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		user, err := s.resolveUser(ctx, sub.Customer)
		if err != nil || user == nil {
			return s.unresolved(logger, err)
		}
		return s.applySubscription(ctx, *user, &sub)
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		user, err := s.resolveUser(ctx, sub.Customer)
		if err != nil || user == nil {
			return s.unresolved(logger, err)
		}
		return s.downgrade(ctx, *user)
	case EventPaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		user, err := s.resolveUser(ctx, inv.Customer)
		if err != nil || user == nil {
			return s.unresolved(logger, err)
		}
		status := domain.PaymentCurrent
		if err := s.users.UpdateUserBilling(ctx, domain.UserBillingUpdate{UserID: user.ID, PaymentStatus: &status}); err != nil {
			return err
		}
		logger.Info("payment succeeded", "user_id", user.ID)
		return nil
	case EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		user, err := s.resolveUser(ctx, inv.Customer)
		if err != nil || user == nil {
			return s.unresolved(logger, err)
		}
		return s.paymentFailed(ctx, *user)
	default:
		logger.Debug("ignoring webhook event")
		return nil
	}
}

func (s Service) applySubscription(ctx context.Context, user domain.User, sub *stripe.Subscription) error {
	status := string(sub.Status)
	subID := sub.ID
	update := domain.UserBillingUpdate{UserID: user.ID, SubscriptionStatus: &status, StripeSubscriptionID: &subID}
	if sub.Customer != nil && sub.Customer.ID != "" && sub.Customer.ID != user.StripeCustomerID {
		customerID := sub.Customer.ID
		update.StripeCustomerID = &customerID
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		p := s.planForSubscription(sub)
		update.Plan = &p
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusUnpaid:
		free := plan.Free
		update.Plan = &free
	}
	if err := s.users.UpdateUserBilling(ctx, update); err != nil {
		return err
	}
	attrs := []any{"user_id", user.ID, "subscription_id", sub.ID, "status", status}
	if update.Plan != nil {
		attrs = append(attrs, "plan", *update.Plan)
	}
	s.logger.Info("subscription applied", attrs...)
	return nil
}

func (s Service) downgrade(ctx context.Context, user domain.User) error {
	free := plan.Free
	status := string(stripe.SubscriptionStatusCanceled)
	empty := ""
	if err := s.users.UpdateUserBilling(ctx, domain.UserBillingUpdate{
		UserID:               user.ID,
		Plan:                 &free,
		SubscriptionStatus:   &status,
		StripeSubscriptionID: &empty,
	}); err != nil {
		return err
	}
	s.suspend(ctx, user.ID, "subscription canceled")
	if err := s.notifier.SubscriptionCanceled(ctx, user); err != nil {
		s.logger.Warn("cancellation notice failed", "user_id", user.ID, "error", err)
	}
	s.logger.Info("subscription canceled, user moved to free", "user_id", user.ID)
	return nil
}

func (s Service) paymentFailed(ctx context.Context, user domain.User) error {
	status := domain.PaymentPastDue
	if err := s.users.UpdateUserBilling(ctx, domain.UserBillingUpdate{UserID: user.ID, PaymentStatus: &status}); err != nil {
		return err
	}
	s.suspend(ctx, user.ID, "payment failed")
	if err := s.notifier.PaymentFailed(ctx, user); err != nil {
		s.logger.Warn("payment failure notice failed", "user_id", user.ID, "error", err)
	}
	s.logger.Warn("payment failed, resources suspended", "user_id", user.ID)
	return nil
}

func (s Service) suspend(ctx context.Context, userID, reason string) {
	stopped, err := s.sandboxes.SuspendUser(ctx, userID, reason)
	if err != nil {
		s.logger.Error("failed to suspend user sandboxes", "user_id", userID, "stopped", stopped, "error", err)
	}
}

// resolveUser finds the user by customer id, then by customer metadata.
func (s Service) resolveUser(ctx context.Context, customer *stripe.Customer) (*domain.User, error) {
	if customer == nil || customer.ID == "" {
		return nil, nil
	}
	user, err := s.users.GetUserByStripeCustomer(ctx, customer.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	userID := ""
	for _, key := range metadataUserKeys {
		if id := customer.Metadata[key]; id != "" {
			userID = id
			break
		}
	}
	if userID == "" && s.gateway != nil {
		if userID, err = s.gateway.CustomerUserID(ctx, customer.ID); err != nil {
			return nil, err
		}
	}
	if userID == "" {
		return nil, nil
	}
	user, err = s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	customerID := customer.ID
	if err := s.users.UpdateUserBilling(ctx, domain.UserBillingUpdate{UserID: user.ID, StripeCustomerID: &customerID}); err != nil {
		return nil, err
	}
	user.StripeCustomerID = customerID
	return user, nil
}

func (s Service) unresolved(logger *slog.Logger, err error) error {
	if err != nil {
		logger.Error("failed to resolve webhook customer", "error", err)
		return err
	}
	logger.Warn("webhook customer has no matching user")
	return nil
}

func (s Service) ensureCustomer(ctx context.Context, user domain.User) (string, error) {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}
	customerID, err := s.gateway.CreateCustomer(ctx, user.Email, user.ID)
	if err != nil {
		return "", err
	}
	if err := s.users.UpdateUserBilling(ctx, domain.UserBillingUpdate{UserID: user.ID, StripeCustomerID: &customerID}); err != nil {
		return "", err
	}
	return customerID, nil
}

func (s Service) priceFor(planName string) (string, error) {
	if s.gateway == nil {
		return "", ErrNotConfigured
	}
	p := plan.Parse(planName)
	if !p.Paid() {
		return "", fmt.Errorf("%w: invalid plan %q", ErrInvalidInput, planName)
	}
	price := s.cfg.Prices[p]
	if price == "" {
		return "", fmt.Errorf("%w: no price for %s", ErrNotConfigured, p)
	}
	return price, nil
}

// planForSubscription maps the first item's price to a plan. Unknown
// prices map to pro.
func (s Service) planForSubscription(sub *stripe.Subscription) plan.Plan {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			for p, price := range s.cfg.Prices {
				if price == item.Price.ID {
					return p
				}
			}
		}
	}
	return plan.Pro
}
