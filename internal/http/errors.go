package httpx

import (
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v79"

	"github.com/JoeProAI/neural-weights-hub/internal/daytona"
	"github.com/JoeProAI/neural-weights-hub/internal/modal"
	"github.com/JoeProAI/neural-weights-hub/internal/repository"
	"github.com/JoeProAI/neural-weights-hub/internal/service/auth"
	"github.com/JoeProAI/neural-weights-hub/internal/service/billing"
	"github.com/JoeProAI/neural-weights-hub/internal/service/deploy"
	"github.com/JoeProAI/neural-weights-hub/internal/service/inference"
	"github.com/JoeProAI/neural-weights-hub/internal/service/project"
	"github.com/JoeProAI/neural-weights-hub/internal/service/sandbox"
)

type errorRule struct {
	target error
	status int
}

// errorRules are checked in order; the first match wins.
var errorRules = []errorRule{
	{auth.ErrInvalidToken, http.StatusUnauthorized},
	{sandbox.ErrForbidden, http.StatusForbidden},
	{deploy.ErrForbidden, http.StatusForbidden},
	{project.ErrForbidden, http.StatusForbidden},
	{inference.ErrModelNotInPlan, http.StatusForbidden},
	{deploy.ErrModelNotInPlan, http.StatusForbidden},
	{sandbox.ErrNotFound, http.StatusNotFound},
	{deploy.ErrNotFound, http.StatusNotFound},
	{repository.ErrNotFound, http.StatusNotFound},
	{billing.ErrNoCustomer, http.StatusNotFound},
	{billing.ErrNoSubscription, http.StatusNotFound},
	{sandbox.ErrLimitExceeded, http.StatusPaymentRequired},
	{deploy.ErrLimitExceeded, http.StatusPaymentRequired},
	{sandbox.ErrInvalidInput, http.StatusBadRequest},
	{deploy.ErrInvalidInput, http.StatusBadRequest},
	{inference.ErrInvalidInput, http.StatusBadRequest},
	{project.ErrInvalidInput, http.StatusBadRequest},
	{billing.ErrInvalidInput, http.StatusBadRequest},
	{billing.ErrInvalidSignature, http.StatusBadRequest},
	{billing.ErrMalformedEvent, http.StatusBadRequest},
	{sandbox.ErrProtected, http.StatusConflict},
	{sandbox.ErrBusy, http.StatusConflict},
	{sandbox.ErrNotRunning, http.StatusConflict},
	{billing.ErrNotConfigured, http.StatusServiceUnavailable},
	{project.ErrNotConfigured, http.StatusServiceUnavailable},
	{modal.ErrUpstream, http.StatusBadGateway},
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	for _, rule := range errorRules {
		if errors.Is(err, rule.target) {
			return rule.status
		}
	}
	var apiErr *daytona.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusBadRequest || stripeErr.Type == stripe.ErrorTypeCard {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError logs and renders err. Internal errors hide their text.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	if status >= http.StatusInternalServerError {
		r.logger.Warn("upstream failure", "path", req.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}
