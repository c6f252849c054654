package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/edsy/edsy/internal/auth"
	"github.com/edsy/edsy/internal/database"
	"github.com/edsy/edsy/internal/httputil"
	"github.com/edsy/edsy/internal/plans"
	"github.com/edsy/edsy/internal/playback"
	"github.com/edsy/edsy/internal/profile"
)

const maxWebhookBodyBytes = 64 * 1024

type Handlers struct {
	db            database.DBTX
	creem         *Client
	sessions      *playback.Manager
	profiles      *profile.Handler
	baseURL       string
	proProductID  string
	webhookSecret string
}

func NewHandlers(db database.DBTX, creem *Client, sessions *playback.Manager, profiles *profile.Handler, baseURL, proProductID, webhookSecret string) *Handlers {
	return &Handlers{
		db:            db,
		creem:         creem,
		sessions:      sessions,
		profiles:      profiles,
		baseURL:       baseURL,
		proProductID:  proProductID,
		webhookSecret: webhookSecret,
	}
}

type checkoutPlanRequest struct {
	Plan string `json:"plan"`
}

type checkoutURLResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	AmountMinor int    `json:"amountMinor"`
	Currency    string `json:"currency"`
}

// CreateCheckout opens a Creem checkout for the one-time Pro unlock. When
// the viewer has an active gated session the purchase attempt is marked on
// its gate, so a second checkout cannot start while one is in flight.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	email := auth.EmailFromContext(r.Context())

	var req checkoutPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Plan != "pro" {
		httputil.WriteError(w, http.StatusBadRequest, "unsupported plan")
		return
	}

	gate := h.activeGate(userID)
	if gate != nil {
		if err := gate.BeginUpgrade(); err != nil {
			if errors.Is(err, playback.ErrUpgradeInFlight) {
				httputil.WriteError(w, http.StatusConflict, "an upgrade is already in progress")
				return
			}
			// Not gated: nothing to mark, the purchase proceeds anyway.
			gate = nil
		}
	}

	// Prefill is best effort; checkout works without the name.
	var name string
	_ = h.db.QueryRow(r.Context(), "SELECT name FROM users WHERE id = $1", userID).Scan(&name)

	checkout, err := h.creem.CreateCheckout(r.Context(), CheckoutParams{
		ProductID:        h.proProductID,
		UserID:           userID,
		Email:            email,
		Name:             name,
		AmountMinorUnits: plans.Pro.UnlockAmountMinorUnits,
		Currency:         plans.Pro.Currency,
		Description:      "Pro unlock: full-length lesson playback",
		SuccessURL:       h.baseURL + "/profile?billing=success",
	})
	if err != nil {
		if gate != nil {
			gate.FailUpgrade()
		}
		slog.Error("billing: create checkout failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create checkout")
		return
	}

	if _, err := h.db.Exec(r.Context(),
		`INSERT INTO purchases (user_id, provider_payment_id, amount_minor, currency, status)
		 VALUES ($1, $2, $3, $4, 'pending')`,
		userID, checkout.ID, plans.Pro.UnlockAmountMinorUnits, plans.Pro.Currency,
	); err != nil {
		if gate != nil {
			gate.FailUpgrade()
		}
		slog.Error("billing: record pending purchase failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create checkout")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, checkoutURLResponse{
		CheckoutURL: checkout.CheckoutURL,
		AmountMinor: plans.Pro.UnlockAmountMinorUnits,
		Currency:    plans.Pro.Currency,
	})
}

func (h *Handlers) activeGate(userID string) *playback.Gate {
	if h.sessions == nil {
		return nil
	}
	s, ok := h.sessions.Active(userID)
	if !ok {
		return nil
	}
	return s.Gate
}

type webhookPayload struct {
	Event  string        `json:"event"`
	Object webhookObject `json:"object"`
}

type webhookObject struct {
	ID       string          `json:"id"`
	Product  webhookProduct  `json:"product"`
	Metadata webhookMetadata `json:"metadata"`
}

type webhookProduct struct {
	ID string `json:"id"`
}

type webhookMetadata struct {
	UserID string `json:"userId"`
}

// Webhook receives Creem payment events. Completed checkouts unlock the
// viewer's gate immediately and persist the Pro flag; the unlock is
// optimistic, so a failed persist never re-locks a paid session.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	signature := r.Header.Get("creem-signature")
	if !h.verifySignature(body, signature) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	userID := payload.Object.Metadata.UserID
	if userID == "" {
		slog.Warn("billing: webhook missing userId in metadata", "event", payload.Event)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch payload.Event {
	case "checkout.completed", "payment.succeeded":
		h.handlePaymentCompleted(w, r, payload, userID)
	case "checkout.failed", "payment.failed":
		h.handlePaymentFailed(w, r, payload, userID)
	default:
		slog.Info("billing: unhandled webhook event", "event", payload.Event)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handlers) handlePaymentCompleted(w http.ResponseWriter, r *http.Request, payload webhookPayload, userID string) {
	if payload.Object.Product.ID != h.proProductID {
		slog.Warn("billing: webhook for unknown product", "product_id", payload.Object.Product.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.db.Exec(r.Context(),
		`UPDATE purchases SET status = 'completed', updated_at = now()
		 WHERE provider_payment_id = $1 AND user_id = $2`,
		payload.Object.ID, userID,
	); err != nil {
		slog.Error("billing: mark purchase completed failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}

	persist := func() error {
		return h.profiles.SetPro(r.Context(), userID)
	}
	if persistFailed, _ := h.sessions.Unlock(userID, persist); persistFailed {
		// Playback continues unlocked; the flag write is retried on the
		// next purchase event or by support tooling.
		slog.Error("billing: entitlement persist failed after payment", "user_id", userID)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handlePaymentFailed(w http.ResponseWriter, r *http.Request, payload webhookPayload, userID string) {
	if _, err := h.db.Exec(r.Context(),
		`UPDATE purchases SET status = 'failed', updated_at = now()
		 WHERE provider_payment_id = $1 AND user_id = $2`,
		payload.Object.ID, userID,
	); err != nil {
		slog.Error("billing: mark purchase failed errored", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record payment")
		return
	}

	if gate := h.activeGate(userID); gate != nil {
		gate.FailUpgrade()
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
