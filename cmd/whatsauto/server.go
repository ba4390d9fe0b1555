package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"whatsauto/internal/config"
	"whatsauto/internal/constants"
	"whatsauto/internal/delivery"
	"whatsauto/internal/errors"
	"whatsauto/internal/httputil"
	"whatsauto/internal/metrics"
	"whatsauto/internal/middleware"
	"whatsauto/internal/models"
	"whatsauto/internal/service"
	"whatsauto/pkg/whatsapp"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RuleService is the automation surface exposed over HTTP
type RuleService interface {
	CreateRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, id string) (*models.AutomationRule, error)
	ListRules(ctx context.Context) ([]models.AutomationRule, error)
	SetRuleActive(ctx context.Context, id string, active bool) (*models.AutomationRule, error)
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]models.ExecutionLog, error)
	Submit(event models.DomainEvent) error
}

// CampaignService is the campaign surface exposed over HTTP
type CampaignService interface {
	Create(ctx context.Context, c *models.Campaign) error
	Get(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context) ([]models.Campaign, error)
	Start(ctx context.Context, id string) (*models.Campaign, error)
	Pause(ctx context.Context, id string) (*models.Campaign, error)
	Resume(ctx context.Context, id string) (*models.Campaign, error)
	ListRecipients(ctx context.Context, id string) ([]models.CampaignRecipient, error)
	Progress(ctx context.Context, id string) (models.CampaignProgress, error)
	HandleDeliveryUpdate(ctx context.Context, update models.DeliveryUpdate) error
}

type ProgressStreamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, campaignID string,
		snapshot func(ctx context.Context) (models.CampaignProgress, error))
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg       *models.Config
	router    *mux.Router
	logger    *logrus.Logger
	errLogger *errors.Logger
	rules     RuleService
	campaigns CampaignService
	progress  ProgressStreamer
	health    HealthChecker
	limiter   *RateLimiter
	server    *http.Server
}

func NewServer(cfg *models.Config, rules RuleService, campaigns CampaignService, progress ProgressStreamer,
	health HealthChecker, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		logger:    logger,
		errLogger: errors.NewLogger(logger),
		rules:     rules,
		campaigns: campaigns,
		progress:  progress,
		health:    health,
		limiter: NewRateLimiter(constants.DefaultRateLimitRequests,
			constants.DefaultRateLimitWindowSec*time.Second),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(middleware.DetailedLogging(s.logger, middleware.DefaultDetailedLoggingConfig()))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	webhook := s.router.PathPrefix("/webhook/whatsapp").Subrouter()
	webhook.Use(s.limiter.Middleware())
	webhook.HandleFunc("", s.handleWebhookVerify()).Methods(http.MethodGet)
	webhook.HandleFunc("", s.handleWhatsAppWebhook()).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()

	events := api.PathPrefix("/events").Subrouter()
	events.Use(s.limiter.Middleware())
	events.HandleFunc("", s.handleEvent()).Methods(http.MethodPost)

	api.HandleFunc("/rules", s.handleCreateRule()).Methods(http.MethodPost)
	api.HandleFunc("/rules", s.handleListRules()).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleGetRule()).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}/activate", s.handleSetRuleActive(true)).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/deactivate", s.handleSetRuleActive(false)).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/executions", s.handleListExecutions()).Methods(http.MethodGet)

	api.HandleFunc("/campaigns", s.handleCreateCampaign()).Methods(http.MethodPost)
	api.HandleFunc("/campaigns", s.handleListCampaigns()).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}", s.handleGetCampaign()).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/start", s.handleCampaignAction(s.campaigns.Start)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/pause", s.handleCampaignAction(s.campaigns.Pause)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/resume", s.handleCampaignAction(s.campaigns.Resume)).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id}/recipients", s.handleListRecipients()).Methods(http.MethodGet)
	api.HandleFunc("/campaigns/{id}/progress", s.handleProgress()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.WithField("port", s.cfg.Server.Port).Info("Starting server")
	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.health.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
	}
}

func (s *Server) handleWebhookVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge, ok := whatsapp.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"),
			q.Get("hub.challenge"), s.cfg.Server.VerifyToken)
		if !ok {
			s.logger.WithField(service.LogFieldRemoteIP, httputil.GetClientIP(r)).Warn("Webhook verification rejected")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
	}
}

// handleWhatsAppWebhook applies provider status callbacks. Individual update
// failures are logged and still acknowledged, otherwise the provider keeps
// redelivering the whole batch.
func (s *Server) handleWhatsAppWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes))
		if err != nil {
			httputil.WriteError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read webhook body"))
			return
		}

		if err := s.verifySignature(r, body); err != nil {
			s.logger.WithError(err).WithField(service.LogFieldRemoteIP, httputil.GetClientIP(r)).Warn("Webhook signature rejected")
			httputil.WriteError(w, r, errors.Wrap(err, errors.ErrCodeAuthentication, "invalid webhook signature").
				WithUserMessage("Invalid signature"))
			return
		}

		updates, err := delivery.ParseDeliveryUpdates(body)
		if err != nil {
			httputil.WriteError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid webhook payload"))
			return
		}

		for _, update := range updates {
			if err := s.campaigns.HandleDeliveryUpdate(r.Context(), update); err != nil {
				s.errLogger.LogError(err, "Failed to apply delivery update", logrus.Fields{
					"status": update.Status,
				})
			}
		}

		s.logger.WithField(service.LogFieldCount, len(updates)).Debug("Webhook processed")
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	secret := s.cfg.Server.WebhookSecret
	if secret == "" {
		if config.IsProduction() {
			return fmt.Errorf("webhook secret is required in production mode")
		}
		return nil
	}
	return whatsapp.VerifySignature(body, r.Header.Get(whatsapp.SignatureHeader), secret)
}

func (s *Server) handleEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var event models.DomainEvent
		if err := httputil.DecodeJSON(w, r, &event); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := s.rules.Submit(event); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Server) handleCreateRule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule models.AutomationRule
		if err := httputil.DecodeJSON(w, r, &rule); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := s.rules.CreateRule(r.Context(), &rule); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, rule)
	}
}

func (s *Server) handleListRules() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := s.rules.ListRules(r.Context())
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rules)
	}
}

func (s *Server) handleGetRule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := s.rules.GetRule(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleSetRuleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := s.rules.SetRuleActive(r.Context(), mux.Vars(r)["id"], active)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rule)
	}
}

func (s *Server) handleListExecutions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httputil.WriteError(w, r, errors.NewValidationError("limit", raw, "must be a positive integer"))
				return
			}
			limit = n
		}

		logs, err := s.rules.ListExecutions(r.Context(), mux.Vars(r)["id"], limit)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, logs)
	}
}

func (s *Server) handleCreateCampaign() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c models.Campaign
		if err := httputil.DecodeJSON(w, r, &c); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := s.campaigns.Create(r.Context(), &c); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, c)
	}
}

func (s *Server) handleListCampaigns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaigns, err := s.campaigns.List(r.Context())
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, campaigns)
	}
}

func (s *Server) handleGetCampaign() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.campaigns.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleCampaignAction(action func(ctx context.Context, id string) (*models.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := action(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleListRecipients() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipients, err := s.campaigns.ListRecipients(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, recipients)
	}
}

// handleProgress streams campaign snapshots over a websocket. The campaign is
// looked up before the upgrade so unknown ids get a plain 404.
func (s *Server) handleProgress() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, err := s.campaigns.Get(r.Context(), id); err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		// The stream outlives the server write timeout.
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
			s.logger.WithError(err).Debug("Could not clear write deadline for progress stream")
		}

		s.progress.ServeWS(w, r, id, func(ctx context.Context) (models.CampaignProgress, error) {
			return s.campaigns.Progress(ctx, id)
		})
	}
}
