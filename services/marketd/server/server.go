package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbmarket/core"
	nhbstate "nhbmarket/core/state"
	"nhbmarket/indexer"
	nativecommon "nhbmarket/native/common"
	"nhbmarket/native/marketplace"
	"nhbmarket/observability"
	"nhbmarket/services/marketd/api"
)

const maxBodyBytes = 64 << 10

// Config carries the HTTP-facing knobs of marketd.
type Config struct {
	RequestsPerSecond float64
	RequestBurst      int
	Admin             AdminConfig
	// ExportDir receives parquet activity exports. Empty disables exports.
	ExportDir string
}

// ActivityStore serves the read side of the activity index.
type ActivityStore interface {
	Recent(ctx context.Context, marketplace string, limit int) ([]indexer.Activity, error)
	ActiveListings(ctx context.Context, marketplace string) ([]indexer.ActiveListing, error)
}

// Exporter writes a marketplace's activity as a parquet file.
type Exporter interface {
	ExportParquet(ctx context.Context, path, marketplace string) (int, error)
}

// Server exposes the marketplace over HTTP.
type Server struct {
	market    *core.Market
	activity  ActivityStore
	pauses    *nativecommon.Pauses
	stream    *Stream
	limiter   *rateLimiter
	admin     *adminAuth
	exportDir string
	logger    *slog.Logger
}

func New(cfg Config, market *core.Market, activity ActivityStore, pauses *nativecommon.Pauses, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if pauses == nil {
		pauses = nativecommon.NewPauses()
	}
	return &Server{
		market:    market,
		activity:  activity,
		pauses:    pauses,
		stream:    NewStream(),
		limiter:   newRateLimiter(cfg.RequestsPerSecond, cfg.RequestBurst),
		admin:     newAdminAuth(cfg.Admin),
		exportDir: cfg.ExportDir,
		logger:    logger.With(slog.String("component", "marketd")),
	}
}

// Stream returns the committed-event broadcaster. It should be wired into the
// market's emitter.
func (s *Server) Stream() *Stream { return s.stream }

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.middleware)

		r.Post("/marketplaces", s.handleInitialize)
		r.Get("/marketplaces/{ref}", s.handleGetMarketplace)
		r.Get("/marketplaces/{ref}/listings", s.handleActiveListings)
		r.Get("/marketplaces/{ref}/listings/{mint}", s.handleGetListing)
		r.Get("/marketplaces/{ref}/listings/{mint}/quote", s.handleQuote)
		r.Get("/marketplaces/{ref}/activity", s.handleActivity)

		r.Post("/listings", s.handleList)
		r.Post("/listings/{mint}/delist", s.handleDelist)
		r.Post("/listings/{mint}/purchase", s.handlePurchase)

		r.Get("/accounts/{address}", s.handleAccount)
		r.Get("/accounts/{address}/tokens/{mint}", s.handleTokenBalance)

		r.Get("/events", s.handleEvents)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admin.middleware)
		r.Post("/modules/{module}/pause", s.handlePause(true))
		r.Post("/modules/{module}/resume", s.handlePause(false))
		r.Post("/exports/{ref}", s.handleExport)
	})

	return otelhttp.NewHandler(r, "marketd")
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(route, r.Method, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := api.ErrorResponse{Error: http.StatusText(status)}
	if err != nil {
		resp.Error = strings.TrimSpace(err.Error())
		if code := marketplace.Code(err); code != "Internal" {
			resp.Code = code
		}
	}
	writeJSON(w, status, resp)
}

// statusFor maps operation failures onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, nhbstate.ErrNonceMismatch):
		return http.StatusConflict
	case errors.Is(err, nhbstate.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, nhbstate.ErrInvalidAuthority):
		return http.StatusForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	switch marketplace.Kind(err) {
	case marketplace.KindValidation:
		return http.StatusBadRequest
	case marketplace.KindNotFound:
		return http.StatusNotFound
	case marketplace.KindConflict:
		return http.StatusConflict
	case marketplace.KindAuthorization:
		return http.StatusForbidden
	case marketplace.KindArithmetic:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
