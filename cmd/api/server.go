package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"locumbook/agreement"
	"locumbook/application"
	"locumbook/metrics"
)

type applicationService interface {
	RegisterContract(ctx context.Context, contractID, publisherUserID string) (application.Contract, error)
	Submit(ctx context.Context, params application.SubmitParams) (application.Application, error)
	ListForContract(ctx context.Context, contractID, actingUserID string) ([]application.Application, error)
	Get(ctx context.Context, applicationID, actingUserID string) (application.Application, error)
	Accept(ctx context.Context, params application.AcceptParams) (application.AcceptResult, error)
	Reject(ctx context.Context, params application.RejectParams) (application.Application, error)
	Withdraw(ctx context.Context, applicationID, actingUserID string) (application.Application, error)
}

type agreementService interface {
	Get(ctx context.Context, agreementID, actingUserID string) (agreement.View, error)
	GetByContract(ctx context.Context, contractID, actingUserID string) (agreement.View, error)
	List(ctx context.Context, actingUserID string, status agreement.Status) ([]agreement.View, error)
	PendingActionCount(ctx context.Context, actingUserID string) (int, error)
	Timeline(ctx context.Context, agreementID, actingUserID string) ([]agreement.TimelineEvent, error)
	SubmitFee(ctx context.Context, params agreement.FeeParams) (agreement.Agreement, error)
	Sign(ctx context.Context, params agreement.SignParams) (agreement.SignResult, error)
	Decline(ctx context.Context, agreementID, actingUserID, reason string) (agreement.Agreement, error)
	Expire(ctx context.Context, agreementID, actorID string) (agreement.Agreement, error)
	ListAll(ctx context.Context, q agreement.AdminQuery) (agreement.AdminPage, error)
	Statistics(ctx context.Context) (agreement.Statistics, error)
}

type server struct {
	applications applicationService
	agreements   agreementService
	verifier     tokenVerifier
	limiter      *rateLimiter
	proxies      trustedProxies
	metrics      *metrics.Collectors
	log          logrus.FieldLogger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log, s.metrics))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.middleware(s.proxies.clientAddress))
		}
		api.Use(authenticate(s.verifier))

		api.Post("/contracts", s.handleRegisterContract)
		api.Route("/contracts/{contractID}", func(c chi.Router) {
			c.Get("/applications", s.handleListApplications)
			c.Post("/applications", s.handleSubmitApplication)
			c.Post("/applications/{applicationID}/accept", s.handleAccept)
			c.Post("/applications/{applicationID}/reject", s.handleReject)
			c.Get("/agreement", s.handleAgreementByContract)
		})
		api.Get("/applications/{applicationID}", s.handleGetApplication)
		api.Post("/applications/{applicationID}/withdraw", s.handleWithdraw)

		api.Get("/agreements", s.handleListAgreements)
		api.Get("/agreements/pending/count", s.handlePendingCount)
		api.Route("/agreements/{agreementID}", func(a chi.Router) {
			a.Get("/", s.handleGetAgreement)
			a.Get("/timeline", s.handleTimeline)
			a.Post("/fees", s.handleSubmitFee)
			a.Post("/sign", s.handleSign)
			a.Post("/decline", s.handleDecline)
			a.With(requireAdmin).Post("/expire", s.handleExpire)
		})

		api.Route("/admin", func(adm chi.Router) {
			adm.Use(requireAdmin)
			adm.Get("/agreements", s.handleAdminListAgreements)
			adm.Get("/agreements/statistics", s.handleAgreementStatistics)
		})
	})
	return r
}
