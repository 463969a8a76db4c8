// Package notify sends account emails through SendGrid.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

// Notifier delivers user-facing notices.
type Notifier interface {
	PaymentFailed(ctx context.Context, user domain.User) error
	SubscriptionCanceled(ctx context.Context, user domain.User) error
}

// New returns a SendGrid notifier, or a logging no-op when apiKey or from
// is empty.
func New(apiKey, from, frontendURL string, logger *slog.Logger) Notifier {
	logger = logger.With("component", "notify")
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(from) == "" {
		return Noop{logger: logger}
	}
	return &Mailer{
		client:      sendgrid.NewSendClient(apiKey),
		from:        mail.NewEmail("Neural Weights Hub", from),
		frontendURL: strings.TrimRight(frontendURL, "/"),
		logger:      logger,
	}
}

// Mailer sends email with SendGrid.
type Mailer struct {
	client      *sendgrid.Client
	from        *mail.Email
	frontendURL string
	logger      *slog.Logger
}

// PaymentFailed tells the user their sandboxes were suspended for non-payment.
func (m *Mailer) PaymentFailed(ctx context.Context, user domain.User) error {
	subject := "Payment failed: your sandboxes have been paused"
	body := fmt.Sprintf("Hi %s,\n\nWe could not process your latest payment for the %s plan. Running sandboxes have been stopped until the invoice is settled.\n\nUpdate your payment method: %s/billing\n",
		greeting(user), user.Plan, m.frontendURL)
	return m.send(user, subject, body)
}

// SubscriptionCanceled confirms the move back to the free plan.
func (m *Mailer) SubscriptionCanceled(ctx context.Context, user domain.User) error {
	subject := "Your subscription has ended"
	body := fmt.Sprintf("Hi %s,\n\nYour subscription has ended and your account is now on the free plan. Running sandboxes have been stopped.\n\nResubscribe any time: %s/pricing\n",
		greeting(user), m.frontendURL)
	return m.send(user, subject, body)
}

func (m *Mailer) send(user domain.User, subject, body string) error {
	if user.Email == "" {
		m.logger.Warn("skipping email, user has no address", "user_id", user.ID)
		return nil
	}
	to := mail.NewEmail(greeting(user), user.Email)
	message := mail.NewSingleEmail(m.from, subject, to, body, strings.ReplaceAll(body, "\n", "<br>"))
	resp, err := m.client.Send(message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, resp.Body)
	}
	m.logger.Info("email sent", "user_id", user.ID, "subject", subject)
	return nil
}

// Noop logs notices instead of sending them.
type Noop struct {
	logger *slog.Logger
}

// PaymentFailed logs the notice.
func (n Noop) PaymentFailed(ctx context.Context, user domain.User) error {
	n.logger.Info("email disabled, payment failure notice not sent", "user_id", user.ID)
	return nil
}

// SubscriptionCanceled logs the notice.
func (n Noop) SubscriptionCanceled(ctx context.Context, user domain.User) error {
	n.logger.Info("email disabled, cancellation notice not sent", "user_id", user.ID)
	return nil
}

func greeting(user domain.User) string {
	if user.Name != "" {
		return user.Name
	}
	if user.Email != "" {
		return user.Email
	}
	return "there"
}
