package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/intake/pkg/common/config"
	"github.com/synaptica-ai/intake/pkg/common/logger"
	"github.com/synaptica-ai/intake/pkg/common/models"
	"github.com/synaptica-ai/intake/pkg/gateway/middleware"
	"github.com/synaptica-ai/intake/pkg/observability/metrics"
	"github.com/synaptica-ai/intake/pkg/tenant"
)

type HTTPHandler struct {
	service *Service
	sources config.SourcesConfig
	maxBody int64
}

func NewHTTPHandler(service *Service, sources config.SourcesConfig, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, sources: sources, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/webhooks/intake", h.handleIntake).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/webhooks/intake/{source}", h.handleIntake).Methods(http.MethodPost)
}

func (h *HTTPHandler) handleIntake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.RequestID(ctx)
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	source := DetectSource(r)
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithField("source", source))

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(ctx, w, newFault(FaultPayload, "read body", ValidationError{reason: errUnreadableBody}), requestID)
		return
	}

	binding, ok := h.sources.Binding(source)
	if !ok {
		binding, ok = h.sources.Binding(genericSource)
	}
	if !ok {
		h.reject(ctx, w, newFault(FaultPayload, "bind source", ValidationError{reason: fmt.Errorf("%w: %s", errUnknownSource, source)}), requestID)
		return
	}

	cred, ok := tenant.PresentedCredential(r, binding)
	if !ok {
		h.reject(ctx, w, newFault(FaultAuthentication, "extract credential", tenant.ErrUnauthorized), requestID)
		return
	}

	if err := ValidatePayload(raw); err != nil {
		h.reject(ctx, w, newFault(FaultPayload, "validate payload", err), requestID)
		return
	}

	status, resp := h.service.Process(ctx, Delivery{
		Source:     source,
		Binding:    binding,
		Raw:        raw,
		Credential: cred,
		RequestID:  requestID,
	})
	writeJSON(w, status, resp)
}

// reject answers a delivery refused before the pipeline ran.
func (h *HTTPHandler) reject(ctx context.Context, w http.ResponseWriter, f *Fault, requestID string) {
	metrics.Received()
	metrics.Failed()
	msg := f.Err.Error()
	switch f.Kind {
	case FaultAuthentication:
		metrics.SecurityFault()
		logger.Security(ctx).WithField("fault", f.Kind).Warn("webhook arrived without an accepted credential")
		msg = "unauthorized"
	default:
		logger.FromContext(ctx).WithField("fault", f.Kind).Warn(f.Error())
	}
	writeJSON(w, f.StatusCode(), models.IntakeResponse{
		Success:   false,
		Status:    models.ResponseFailed,
		Error:     msg,
		Warnings:  []string{},
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, resp models.IntakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		logger.Log.WithError(err).Warn("failed to write webhook response")
	}
}
