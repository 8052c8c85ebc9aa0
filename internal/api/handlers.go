/**
 * @description
 * This file contains the HTTP handlers for the entitlement service: the
 * billing webhook ingress, the sweep trigger, the operator health report,
 * and the user-facing entitlement, quota and subscription management
 * endpoints.
 *
 * Webhook response contract: 200 acknowledges and stops redelivery (also
 * used for malformed or unrecognized events, which are logged instead of
 * applied), 400 rejects a bad signature, and 5xx asks the provider to
 * redeliver after a datastore or provider failure.
 */
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/seosnap/entitlement-service/internal/app"
	"github.com/seosnap/entitlement-service/internal/domain"
	"github.com/seosnap/entitlement-service/internal/store"
)

// maxWebhookBody bounds the webhook payload size.
const maxWebhookBody = 1 << 16

// Handler holds the application services the handlers dispatch to.
type Handler struct {
	reconciler      *app.Reconciler
	sweeper         *app.Sweeper
	quota           *app.QuotaGuard
	entitlements    *app.EntitlementService
	health          *app.HealthReporter
	webhookSecret   string
	portalReturnURL string
	logger          *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(
	reconciler *app.Reconciler,
	sweeper *app.Sweeper,
	quota *app.QuotaGuard,
	entitlements *app.EntitlementService,
	health *app.HealthReporter,
	webhookSecret, portalReturnURL string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		reconciler:      reconciler,
		sweeper:         sweeper,
		quota:           quota,
		entitlements:    entitlements,
		health:          health,
		webhookSecret:   webhookSecret,
		portalReturnURL: portalReturnURL,
		logger:          logger,
	}
}

// handleStripeWebhook is the sole authentication boundary for externally
// triggered entitlement mutation: the signature is recomputed over the raw
// payload before anything is parsed.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		respondWithError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	billingEvent, recognized, err := billingEventFromStripe(event)
	if err != nil {
		// Verified but undecodable payload: acknowledge so the provider
		// stops redelivering something we will never be able to apply.
		h.logger.Error("failed to decode webhook payload", "event_id", event.ID, "type", event.Type, "error", err)
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if !recognized {
		h.logger.Info("acknowledging unrecognized event type", "event_id", event.ID, "type", event.Type)
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := h.reconciler.HandleEvent(r.Context(), billingEvent); err != nil {
		if errors.Is(err, app.ErrMalformedEvent) {
			h.logger.Warn("acknowledging malformed event without applying it",
				"event_id", event.ID, "type", event.Type, "error", err)
			respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		// Datastore or provider fault: answer 5xx so the provider
		// redelivers and the idempotent reconciliation converges later.
		h.logger.Error("failed to reconcile event, requesting redelivery",
			"event_id", event.ID, "type", event.Type, "error", err)
		respondWithError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleSweep triggers one sweep run. Idempotent and safe to call more often
// than strictly necessary; an already-running sweep reports itself skipped.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Run(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// handleHealthReport serves the operator diagnostic counts.
func (h *Handler) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.health.Report(r.Context())
	if err != nil {
		h.logger.Error("failed to build health report", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to build health report")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// handleGetEntitlement returns the authenticated user's entitlement view.
func (h *Handler) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	status, err := h.entitlements.GetStatus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("failed to load entitlement status", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to load entitlement status")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

type checkBatchRequest struct {
	Count int `json:"count"`
}

// handleCheckBatch verifies a batch against plan and quota limits before the
// front-end starts generation. Quota and batch-size rejections are normal
// user-facing outcomes, not errors.
func (h *Handler) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req checkBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	admission, err := h.quota.CheckBatch(r.Context(), userID, req.Count)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrBatchTooLarge):
			respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(), "reason": "batch_too_large",
			})
		case errors.Is(err, app.ErrQuotaExceeded):
			respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(), "reason": "quota_exceeded",
			})
		case errors.Is(err, store.ErrUserNotFound):
			respondWithError(w, http.StatusNotFound, "user not found")
		default:
			h.logger.Error("batch check failed", "user_id", userID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "batch check failed")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, admission)
}

type commitRequest struct {
	// Items reports the downstream outcome per batch item; true means the
	// item generated successfully and should consume one quota unit.
	Items []bool `json:"items"`
}

// handleCommit settles a finished batch: one atomic quota increment per
// successfully generated item, none for failed ones.
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		// A single-item commit with no body payload.
		req.Items = []bool{true}
	}

	result, err := h.quota.SettleBatch(r.Context(), userID, req.Items)
	if err != nil {
		h.logger.Error("batch settlement failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "batch settlement failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// handleCheckout creates a provider checkout session for a plan purchase.
func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var params domain.CheckoutParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	url, err := h.entitlements.StartCheckout(r.Context(), userID, params)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPlanType) {
			respondWithError(w, http.StatusBadRequest, "unknown plan type")
			return
		}
		h.logger.Error("failed to start checkout", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to start checkout")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"url": url})
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

// handlePortal creates a provider billing-portal session.
func (h *Handler) handlePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req portalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = h.portalReturnURL
	}

	url, err := h.entitlements.StartPortalSession(r.Context(), userID, returnURL)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondWithError(w, http.StatusNotFound, "no billing profile")
			return
		}
		h.logger.Error("failed to start portal session", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to start portal session")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleCancel flags the current subscription to end at the period boundary.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.setCancelFlag(w, r, true)
}

// handleReactivate clears a pending cancellation.
func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	h.setCancelFlag(w, r, false)
}

func (h *Handler) setCancelFlag(w http.ResponseWriter, r *http.Request, cancel bool) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sub, err := h.entitlements.SetCancelAtPeriodEnd(r.Context(), userID, cancel)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondWithError(w, http.StatusNotFound, "no active subscription")
			return
		}
		h.logger.Error("failed to update cancel flag", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}
