package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
)

const adminScope = "marketplace:admin"

// AdminConfig configures bearer-token authentication for operator routes.
// An empty secret disables the routes.
type AdminConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type adminAuth struct {
	cfg    AdminConfig
	secret []byte
}

func newAdminAuth(cfg AdminConfig) *adminAuth {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &adminAuth{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			writeError(w, http.StatusNotFound, errors.New("admin routes disabled"))
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		claims, err := a.parse(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		if !hasScope(claims, adminScope) {
			writeError(w, http.StatusForbidden, errors.New("insufficient scope"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminAuth) parse(token string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	switch v := claims["scope"].(type) {
	case string:
		for _, s := range strings.Fields(v) {
			if s == want {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "module")))
		if module == "" {
			writeError(w, http.StatusBadRequest, errors.New("module required"))
			return
		}
		s.pauses.Set(module, paused)
		s.logger.InfoContext(r.Context(), "module pause toggled",
			slog.String("module", module),
			slog.Bool("paused", paused),
			slog.String("requestId", requestIDFrom(r.Context())))
		writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": paused})
	}
}

// handleExport snapshots a marketplace's activity log into ExportDir.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exporter, ok := s.activity.(Exporter)
	if !ok || s.exportDir == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("activity export disabled"))
		return
	}
	m, registry, err := s.resolveMarketplace(chi.URLParam(r, "ref"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		s.fail(w, err)
		return
	}
	path := filepath.Join(s.exportDir, fmt.Sprintf("%s-%d.parquet", m.Name, time.Now().UTC().UnixNano()))
	rows, err := exporter.ExportParquet(r.Context(), path, addressString(registry))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "activity exported",
		slog.String("market", m.Name),
		slog.Int("rows", rows),
		slog.String("requestId", requestIDFrom(r.Context())))
	writeJSON(w, http.StatusCreated, map[string]any{"path": path, "rows": rows})
}
