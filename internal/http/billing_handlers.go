package httpx

import (
	"errors"
	"io"
	"net/http"
)

func (r *Router) handleBillingOverview(w http.ResponseWriter, req *http.Request) {
	if r.svc.Billing == nil {
		unavailable(w, "billing")
		return
	}
	overview, err := r.svc.Billing.Overview(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (r *Router) handleCheckout(w http.ResponseWriter, req *http.Request) {
	if r.svc.Billing == nil {
		unavailable(w, "billing")
		return
	}
	var payload struct {
		Plan string `json:"plan"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	url, err := r.svc.Billing.Checkout(req.Context(), currentUser(req), payload.Plan)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (r *Router) handlePortal(w http.ResponseWriter, req *http.Request) {
	if r.svc.Billing == nil {
		unavailable(w, "billing")
		return
	}
	url, err := r.svc.Billing.Portal(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (r *Router) handleCreateSubscription(w http.ResponseWriter, req *http.Request) {
	if r.svc.Billing == nil {
		unavailable(w, "billing")
		return
	}
	var payload struct {
		Plan            string `json:"plan"`
		PaymentMethodID string `json:"payment_method_id"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	sub, err := r.svc.Billing.CreateSubscription(req.Context(), currentUser(req), payload.Plan, payload.PaymentMethodID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	resp := map[string]any{
		"subscription_id": sub.ID,
		"status":          sub.Status,
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		resp["client_secret"] = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleCancelSubscription(w http.ResponseWriter, req *http.Request) {
	if r.svc.Billing == nil {
		unavailable(w, "billing")
		return
	}
	sub, err := r.svc.Billing.CancelSubscription(req.Context(), currentUser(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription_id":      sub.ID,
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
	})
}

// handleStripeWebhook authenticates by signature only. Unresolvable events
// are acknowledged by the service so Stripe stops retrying them.
func (r *Router) handleStripeWebhook(w http.ResponseWriter, req *http.Request) {
	if r.svc.Billing == nil {
		unavailable(w, "billing")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := r.svc.Billing.HandleWebhook(req.Context(), body, req.Header.Get("Stripe-Signature")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
