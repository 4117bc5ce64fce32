package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/archguard/internal/application"
	"github.com/ericfisherdev/archguard/internal/domain/model"
	"github.com/ericfisherdev/archguard/internal/domain/port/driven"
)

const (
	// maxPayloadBytes bounds webhook and result bodies. GitHub caps webhook
	// payloads at 25 MB.
	maxPayloadBytes = 25 << 20

	// dispatchTimeout bounds the background handling of one delivery,
	// including API retries.
	dispatchTimeout = 2 * time.Minute
)

// Handler is the HTTP driving adapter that serves the webhook and REST API.
type Handler struct {
	orchestrator  *application.Orchestrator
	runStore      driven.RunStore
	checkName     string
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. An empty
// webhookSecret disables signature verification.
func NewHandler(
	orchestrator *application.Orchestrator,
	runStore driven.RunStore,
	checkName string,
	webhookSecret string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		orchestrator:  orchestrator,
		runStore:      runStore,
		checkName:     checkName,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook", h.HandleWebhook)
	mux.HandleFunc("POST /api/v1/results", h.PostResult)
	mux.HandleFunc("GET /api/v1/runs/{owner}/{repo}/{sha}", h.GetRun)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// HandleWebhook receives a GitHub webhook delivery. Once the signature checks
// out the delivery is always acknowledged with 202: unsupported events,
// malformed payloads, and triggers with no lifecycle meaning are logged and
// dropped. Orchestration runs in the background so GitHub's delivery timeout
// never races the Checks API.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if h.webhookSecret != "" {
		if err := verifySignature(body, h.webhookSecret, r.Header.Get("X-Hub-Signature-256")); err != nil {
			h.logger.Warn("webhook signature rejected",
				"delivery", r.Header.Get("X-GitHub-Delivery"),
				"error", err,
			)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	event, err := DecodeEvent(eventType, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedEvent):
			h.logger.Debug("unsupported event dropped", "event", eventType, "delivery", deliveryID)
		case errors.Is(err, ErrMalformedPayload):
			h.logger.Warn("malformed payload dropped", "event", eventType, "delivery", deliveryID, "error", err)
		default:
			h.logger.Error("failed to decode event", "event", eventType, "delivery", deliveryID, "error", err)
		}
		writeJSON(w, http.StatusAccepted, webhookAck{Status: "ignored"})
		return
	}

	trigger, ok := NormalizeEvent(event)
	if !ok {
		h.logger.Debug("event carries no trigger", "event", eventType, "delivery", deliveryID)
		writeJSON(w, http.StatusAccepted, webhookAck{Status: "ignored"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		if err := h.orchestrator.HandleTrigger(ctx, trigger); err != nil {
			h.logger.Error("failed to handle trigger",
				"kind", trigger.Kind,
				"repo", trigger.RepoFullName(),
				"sha", trigger.HeadSHA,
				"delivery", deliveryID,
				"error", err,
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, webhookAck{Status: "accepted"})
}

// PostResult receives the analyzer's verdict for a commit and completes the
// corresponding check run.
func (h *Handler) PostResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Owner == "" || req.Repo == "" || req.SHA == "" {
		writeError(w, http.StatusBadRequest, "owner, repo and sha are required")
		return
	}
	if !validConclusion(req.Conclusion) {
		writeError(w, http.StatusBadRequest, "invalid conclusion")
		return
	}

	result := model.CheckResult{
		Conclusion: req.Conclusion,
		Title:      req.Title,
		Summary:    req.Summary,
	}
	if result.Title == "" {
		result.Title = h.checkName
	}

	err := h.orchestrator.ReportResult(r.Context(), req.Owner, req.Repo, req.SHA, result)
	if err != nil {
		if errors.Is(err, application.ErrUnknownRun) {
			writeError(w, http.StatusNotFound, "no tracked run for commit")
			return
		}
		h.logger.Error("failed to report result",
			"owner", req.Owner, "repo", req.Repo, "sha", req.SHA,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "failed to publish result")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetRun returns the tracked run for a commit.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	key := model.NewOrchestrationKey(
		r.PathValue("owner"),
		r.PathValue("repo"),
		r.PathValue("sha"),
		h.checkName,
	)

	run, err := h.runStore.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to get tracked run", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "tracked run not found")
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(*run))
}

// Health returns a simple liveness response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// validConclusion reports whether s is a conclusion the Checks API accepts.
func validConclusion(s string) bool {
	switch s {
	case model.ConclusionSuccess, model.ConclusionFailure, model.ConclusionNeutral,
		model.ConclusionCancelled, model.ConclusionTimedOut, model.ConclusionActionRequired:
		return true
	default:
		return false
	}
}
