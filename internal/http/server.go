package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"talktime/internal/analytics"
	"talktime/internal/config"
	"talktime/internal/models"
	"talktime/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type Server struct {
	svc       *services.Service
	cfg       config.Config
	analytics *analytics.Client
}

func NewServer(svc *services.Service, cfg config.Config) *Server {
	return &Server{
		svc:       svc,
		cfg:       cfg,
		analytics: analytics.NewClient(cfg.AnalyticsURL, cfg.AnalyticsAPIKey),
	}
}

func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Post("/usage", s.handleReportUsage)
			r.Get("/usage", s.handleListUsage)
			r.Get("/session", s.handleSession)
			r.Get("/ledger", s.handleGetLedger)
			r.Get("/ledger/entries", s.handleListLedgerEntries)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(s.internalAPIKeyMiddleware)

			r.Post("/usage", s.handleInternalReportUsage)
			r.Get("/accounts/{id}/ledger", s.handleInternalGetLedger)
		})
	})

	return r
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	account, err := s.svc.CreateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	token, err := s.generateJWT(account.ID, account.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"token":   token,
		"account": account,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	account, err := s.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	token, err := s.generateJWT(account.ID, account.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"account": account,
	})
}

type reportUsageRequest struct {
	AccountID int64  `json:"account_id,omitempty"`
	Seconds   int    `json:"seconds"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleReportUsage(w http.ResponseWriter, r *http.Request) {
	var req reportUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.svc.Charge(r.Context(), accountIDFromContext(r.Context()), req.Seconds, req.RequestID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleInternalReportUsage(w http.ResponseWriter, r *http.Request) {
	var req reportUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.AccountID == 0 {
		respondError(w, http.StatusBadRequest, errors.New("account_id is required"))
		return
	}
	result, err := s.svc.Charge(r.Context(), req.AccountID, req.Seconds, req.RequestID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.svc.ListUsage(r.Context(), accountIDFromContext(r.Context()), from, to)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"usage": records})
}

func (s *Server) handleListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = n
	}
	entries, err := s.svc.ListLedgerEntries(r.Context(), accountIDFromContext(r.Context()), limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// parseRange reads the optional from/to query params (RFC 3339). The
// window defaults to the last 30 days.
func parseRange(q url.Values) (from, to time.Time, err error) {
	to = time.Now().UTC()
	from = to.AddDate(0, 0, -30)
	if raw := q.Get("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("invalid from: %w", err)
		}
	}
	if raw := q.Get("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("invalid to: %w", err)
		}
	}
	if to.Before(from) {
		return from, to, errors.New("to is before from")
	}
	return from, to, nil
}

// handleSession is the entitlement check the conversation host calls
// before serving: remaining seconds plus premium state, with the
// paywall condition surfaced explicitly.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ent, err := s.svc.GetEntitlement(r.Context(), accountIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if !ent.Premium && ent.RemainingSeconds <= 0 {
		respondErrorCode(w, http.StatusPaymentRequired, services.ErrExhausted, "exhausted")
		return
	}
	respondJSON(w, http.StatusOK, ent)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	s.renderLedger(w, r, accountIDFromContext(r.Context()))
}

func (s *Server) handleInternalGetLedger(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.renderLedger(w, r, accountID)
}

func (s *Server) renderLedger(w http.ResponseWriter, r *http.Request, accountID int64) {
	ledger, err := s.svc.GetLedger(r.Context(), accountID)
	if errors.Is(err, services.ErrNotFound) {
		// No usage or billing activity yet; report the defaults the
		// lazily-created row would carry.
		ledger = models.Ledger{AccountID: accountID, FreeTotal: s.cfg.FreeSecondsDefault}
		err = nil
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ledger":            ledger,
		"remaining_seconds": ledger.Remaining(),
	})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeWebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, errors.New("stripe webhook secret not configured"))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	reqID := middleware.GetReqID(r.Context())

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		switch sess.Mode {
		case stripe.CheckoutSessionModeSubscription:
			if err := s.svc.ApplySubscriptionCheckout(r.Context(), event.ID, &sess); err != nil {
				log.Printf("[ERROR] [%s] subscription checkout %s: %v", reqID, sess.ID, err)
				s.respondServiceError(w, r, err)
				return
			}
			s.track("subscription_activated", &sess)
		case stripe.CheckoutSessionModePayment:
			if err := s.svc.ApplyTopupCheckout(r.Context(), event.ID, &sess); err != nil {
				if errors.Is(err, services.ErrUnknownPack) {
					// Payment already completed; nothing a retry would
					// fix. Log for manual reconciliation and ack.
					log.Printf("[WARN] [%s] %v", reqID, err)
					break
				}
				log.Printf("[ERROR] [%s] topup checkout %s: %v", reqID, sess.ID, err)
				s.respondServiceError(w, r, err)
				return
			}
			s.track("topup_credited", &sess)
		}
	case "customer.subscription.updated":
		sub, err := unmarshalSubscription(event.Data.Raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.svc.ApplySubscriptionUpdated(r.Context(), event.ID, sub); err != nil {
			log.Printf("[ERROR] [%s] subscription update %s: %v", reqID, sub.ID, err)
			s.respondServiceError(w, r, err)
			return
		}
	case "customer.subscription.deleted":
		sub, err := unmarshalSubscription(event.Data.Raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.svc.ApplySubscriptionDeleted(r.Context(), event.ID, sub); err != nil {
			log.Printf("[ERROR] [%s] subscription delete %s: %v", reqID, sub.ID, err)
			s.respondServiceError(w, r, err)
			return
		}
	default:
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func unmarshalSubscription(raw json.RawMessage) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// track records an analytics event. Best-effort: a failure here never
// affects the billing outcome.
func (s *Server) track(event string, sess *stripe.CheckoutSession) {
	if !s.analytics.IsConfigured() {
		return
	}
	var accountID int64
	if raw := sess.Metadata["account_id"]; raw != "" {
		accountID, _ = strconv.ParseInt(raw, 10, 64)
	}
	if err := s.analytics.Track(event, accountID, map[string]any{
		"checkout_session": sess.ID,
		"plan":             sess.Metadata["plan"],
		"pack":             sess.Metadata["pack"],
	}); err != nil {
		log.Printf("[WARN] analytics %s: %v", event, err)
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrExhausted):
		respondErrorCode(w, http.StatusPaymentRequired, err, "exhausted")
	case errors.Is(err, services.ErrDuplicateRequest):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrEmailTaken):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err)
	default:
		reqID := middleware.GetReqID(r.Context())
		log.Printf("[ERROR] [%s] %s %s: %v", reqID, r.Method, r.URL.Path, err)
		respondError(w, http.StatusInternalServerError, errors.New("temporarily unavailable"))
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}
