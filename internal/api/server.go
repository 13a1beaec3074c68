// Package api exposes a read-only status surface over the registry,
// the run archive, and live telemetry. The CLI remains the primary
// interface; this server only reports.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/bramblectl/bramble/internal/config"
	"github.com/bramblectl/bramble/internal/registry"
	"github.com/bramblectl/bramble/internal/telemetry"
	"github.com/bramblectl/bramble/internal/version"
)

// Server is the status API server.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	registry  *registry.Registry
	store     telemetry.Store
	collector *telemetry.Collector
	logger    *zap.Logger
}

// NewServer wires the status API over the given components.
func NewServer(cfg *config.Config, reg *registry.Registry, store telemetry.Store, collector *telemetry.Collector, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Security.AllowedOrigins,
	}))

	s := &Server{
		echo:      e,
		cfg:       cfg,
		registry:  reg,
		store:     store,
		collector: collector,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	if s.cfg.Security.AuthEnabled {
		v1.Use(s.jwtMiddleware)
	}

	v1.GET("/devices", s.handleListDevices)
	v1.GET("/devices/:id", s.handleGetDevice)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/record", s.handleGetRecord)
	v1.GET("/runs/:id/export", s.handleExportCSV)
	v1.GET("/runs/:id/stream", s.handleStream)
}

// Start runs the server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.echo.Server.ReadTimeout = s.cfg.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.cfg.Server.WriteTimeout

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Get().Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// jwtMiddleware validates a bearer token signed with the configured
// secret.
func (s *Server) jwtMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(header, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, UnauthorizedError("missing bearer token"))
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.cfg.Security.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			return c.JSON(http.StatusUnauthorized, UnauthorizedError("invalid token"))
		}

		return next(c)
	}
}

// IssueToken mints a token for the status API. Used by the CLI's token
// subcommand.
func IssueToken(cfg *config.Config, subject string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.Security.JWTExpiration)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Security.JWTSecret))
}
