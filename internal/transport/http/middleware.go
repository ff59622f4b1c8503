package httptransport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// IdempotencyKeyHeader — заголовок, по которому повторный POST отдаёт сохранённый ответ.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

// requestLogger пишет одну строку логрус-лога на запрос.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(started).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("http request")
				return
			}
			entry.Debug("http request")
		})
	}
}

// tracing открывает server-span на запрос, продолжая входящий trace-контекст.
func tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("httptransport")
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if pattern := chi.RouteContext(ctx); pattern != nil && pattern.RoutePattern() != "" {
			span.SetName(r.Method + " " + pattern.RoutePattern())
		}
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", ww.Status()),
		)
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// idempotency сохраняет ответ по Idempotency-Key и отдаёт его на повторы того же запроса.
// Без заголовка запрос обрабатывается как обычно.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" || s.idempotencyRepo == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: codeValidation, Message: "idempotency key is too long"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: codeValidation, Message: "failed to read request body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		hash := requestHash(r.Method, r.URL.Path, body)
		existing, err := s.idempotencyRepo.CreateProcessing(ctx, key, hash, s.now().Add(s.idempotencyTTL))
		if err != nil {
			s.replayIdempotency(w, key, existing, err)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Ответ клиенту уже отправлен, поэтому сохраняем его даже при отменённом запросе.
		storeCtx := context.WithoutCancel(ctx)
		logger := s.logger.WithField("idempotency_key", key)
		switch {
		case rec.status == http.StatusConflict || rec.status >= http.StatusInternalServerError:
			if err := s.idempotencyRepo.Release(storeCtx, key); err != nil {
				logger.WithError(err).Warn("failed to release idempotency key")
			}
		case rec.status >= http.StatusBadRequest:
			if err := s.idempotencyRepo.MarkFailed(storeCtx, key, rec.body.Bytes(), rec.status); err != nil {
				logger.WithError(err).Warn("failed to store idempotent failure")
			}
		default:
			if err := s.idempotencyRepo.MarkDone(storeCtx, key, rec.body.Bytes(), rec.status); err != nil {
				logger.WithError(err).Warn("failed to store idempotent response")
			}
		}
	})
}

func (s *Server) replayIdempotency(w http.ResponseWriter, key string, existing domain.IdempotencyRecord, err error) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   codeIdempotency,
			Message: "idempotency key was already used with a different request",
		})
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if !existing.Status.Finished() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:   codeInProgress,
				Message: "request with this idempotency key is still being processed",
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.HTTPStatus)
		_, _ = w.Write(existing.ResponseBody)
	default:
		s.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: codeInternal, Message: internalErrMessage})
	}
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder пропускает ответ клиенту и копит его тело для сохранения.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
