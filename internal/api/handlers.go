/**
 * @description
 * This file contains the HTTP handler functions for the entitlement service.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate business logic in the service layer, and writing the HTTP
 * response. The Stripe webhook handler additionally owns signature
 * verification: an event only reaches the billing bridge once its signature
 * has been validated against the shared signing secret.
 */
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/dentalpulse/entitlement-service/internal/app"
	"github.com/dentalpulse/entitlement-service/internal/domain"
	"github.com/dentalpulse/entitlement-service/internal/store"
)

// maxWebhookBodyBytes bounds the webhook payload read.
const maxWebhookBodyBytes = int64(65536)

// Handler holds the application services that handlers interact with.
type Handler struct {
	entitlements  *app.EntitlementService
	ledger        *app.LedgerService
	billing       *app.BillingService
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(entitlements *app.EntitlementService, ledger *app.LedgerService, billing *app.BillingService, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		entitlements:  entitlements,
		ledger:        ledger,
		billing:       billing,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// handleStripeWebhook verifies and dispatches billing provider events.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		body,
		r.Header.Get("Stripe-Signature"),
		h.webhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		http.Error(w, "Signature verification failed", http.StatusBadRequest)
		return
	}

	if err := h.billing.HandleWebhook(r.Context(), event); err != nil {
		h.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleCreateCheckoutSession starts a Stripe checkout for the requested price.
func (h *Handler) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	email, _ := EmailFromContext(r.Context())

	var req struct {
		PriceID string `json:"priceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriceID == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), userID, email, req.PriceID)
	if err != nil {
		h.logger.Error("checkout session creation failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleCreateSubscription creates a provider subscription for a plan with
// an already-collected payment method.
func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	email, _ := EmailFromContext(r.Context())

	var req struct {
		PlanID          string `json:"planId"`
		PaymentMethodID string `json:"paymentMethodId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" || req.PaymentMethodID == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := h.billing.CreateSubscription(r.Context(), userID, email, domain.PlanID(req.PlanID), req.PaymentMethodID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPlan) {
			respondWithError(w, http.StatusBadRequest, "Unknown plan")
			return
		}
		h.logger.Error("subscription creation failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	respondWithJSON(w, http.StatusOK, sub)
}

// handleCheckAccess evaluates whether the user may use a feature right now.
func (h *Handler) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	feature := r.URL.Query().Get("feature")
	if feature == "" {
		respondWithError(w, http.StatusBadRequest, "Missing feature parameter")
		return
	}

	decision := h.entitlements.CheckAccess(r.Context(), userID, domain.Feature(feature))
	respondWithJSON(w, http.StatusOK, decision)
}

// handleRecordUsage records consumption units for the user.
func (h *Handler) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		FeatureType string `json:"featureType"`
		Quantity    int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FeatureType == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	event, err := h.ledger.RecordUsage(r.Context(), userID, domain.FeatureType(req.FeatureType), req.Quantity)
	if err != nil {
		if errors.Is(err, store.ErrNoActiveSubscription) {
			respondWithError(w, http.StatusForbidden, "No active subscription")
			return
		}
		h.logger.Error("usage recording failed", "user_id", userID, "feature_type", req.FeatureType, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to record usage")
		return
	}

	respondWithJSON(w, http.StatusCreated, event)
}

// handleGetStatus returns the subscription state payload for the UI gate.
func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	state, err := h.entitlements.Status(r.Context(), userID)
	if err != nil {
		h.logger.Error("status lookup failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load subscription status")
		return
	}

	respondWithJSON(w, http.StatusOK, state)
}

// handleListPlans returns the plan catalog for the pricing page.
func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, domain.AvailablePlans())
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError writes a JSON error body.
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
