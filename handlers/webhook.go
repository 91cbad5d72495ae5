package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"templateshop.app/api/internal/apperr"
	"templateshop.app/api/internal/fulfillment"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/internal/webhook"
)

const (
	ProviderLemonSqueezy = "lemonsqueezy"
	MaxBodyBytes         = int64(65536)
)

type WebhookData struct {
	OrderID    string   `json:"orderId"`
	LicenseIDs []string `json:"licenseIds"`
}

type ErrorDetail struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type WebhookResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *WebhookData `json:"data"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	log := logger.With(logger.Fields{
		"provider":   provider,
		"request_id": middleware.GetReqID(r.Context()),
	})

	if provider != ProviderLemonSqueezy {
		log.Warn("Webhook for unknown provider")
		writeJSON(w, http.StatusNotFound, WebhookResponse{Message: "unknown provider"})
		return
	}

	s.stats.received.Inc()
	log.Info("Webhook received", logger.Fields{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.WebhookTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, log, apperr.Validation("read webhook", fmt.Errorf("body exceeds %d bytes", MaxBodyBytes)))
			return
		}
		s.fail(w, r, log, apperr.Transient("read webhook", err))
		return
	}

	if !s.verifier.Verify(payload, r.Header.Get(webhook.SignatureHeader)) {
		s.fail(w, r, log, apperr.Trust("verify webhook", "invalid signature"))
		return
	}

	event, err := webhook.Parse(payload)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}
	log = log.With(logger.Fields{"event": event.Name()})

	result, err := s.engine.Handle(ctx, event)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	s.stats.processed.Inc()
	response := WebhookResponse{Success: true, Message: resultMessage(result)}
	if !result.Ignored {
		response.Data = &WebhookData{OrderID: result.OrderID, LicenseIDs: result.LicenseIDs}
	}

	log.Info("Webhook processed", logger.Fields{
		"order_id":  result.OrderID,
		"duplicate": result.Duplicate,
		"ignored":   result.Ignored,
	})
	writeJSON(w, http.StatusOK, response)
}

func resultMessage(result *fulfillment.Result) string {
	switch {
	case result.Ignored:
		return "Event ignored"
	case result.Duplicate:
		return "Order already processed"
	case result.Created:
		return "Order fulfilled"
	case result.Deactivated > 0:
		return "Order refunded, licenses revoked"
	case result.Changed:
		return "Order updated"
	default:
		return "Order unchanged"
	}
}

// fail writes the error envelope for err. Only trust failures omit the detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	fields := logger.Fields{
		"kind":   kind.String(),
		"status": status,
		"error":  err.Error(),
	}

	switch kind {
	case apperr.KindTrust:
		s.stats.rejected.Inc()
		log.Warn("Webhook signature verification failed", fields)
		writeJSON(w, status, WebhookResponse{Message: "invalid signature"})
		return
	case apperr.KindValidation, apperr.KindNotFound:
		s.stats.rejected.Inc()
		log.Warn("Webhook rejected", fields)
	case apperr.KindIntegrity:
		s.stats.rejected.Inc()
		log.Error("Webhook failed integrity check", fields)
		capture(r, err, map[string]string{"kind": kind.String()})
	case apperr.KindTransient:
		s.stats.failed.Inc()
		log.Warn("Webhook failed transiently", fields)
	default:
		s.stats.failed.Inc()
		log.Error("Webhook processing failed", fields)
		capture(r, err, map[string]string{"kind": kind.String()})
	}

	writeJSON(w, status, WebhookResponse{
		Message: http.StatusText(status),
		Error:   &ErrorDetail{Kind: kind.String(), Detail: apperr.Detail(err)},
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindTrust:
		return http.StatusUnauthorized
	case apperr.KindValidation, apperr.KindIntegrity:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
