// Package server is the HTTP and WebSocket surface: health, metrics,
// channel webhooks, the wallet-scoped REST API, and the WS upgrade routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyterm/polyterm/copytrading"
	"github.com/polyterm/polyterm/feeds"
	"github.com/polyterm/polyterm/internal/profile"
	"github.com/polyterm/polyterm/internal/version"
	"github.com/polyterm/polyterm/metrics"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat"
	"github.com/polyterm/polyterm/plugin/chat/channels"
	"github.com/polyterm/polyterm/plugin/chat/channels/webchat"
	"github.com/polyterm/polyterm/store"
)

// Server owns the echo instance and its collaborators.
type Server struct {
	e       *echo.Echo
	profile *profile.Profile
	store   *store.Store
	pairing *pairing.Service
	copy    *copytrading.Service
	manager *channels.Manager
	hub     *webchat.Hub
	ticks   *feeds.Hub
	metrics *metrics.Metrics
}

// New wires routes and middleware. Start actually listens.
func New(
	p *profile.Profile,
	st *store.Store,
	ps *pairing.Service,
	cs *copytrading.Service,
	manager *channels.Manager,
	hub *webchat.Hub,
	ticks *feeds.Hub,
	m *metrics.Metrics,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= 500 {
				level = slog.LevelWarn
			}
			slog.Log(c.Request().Context(), level, "http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			)
			return nil
		},
	}))

	s := &Server{
		e:       e,
		profile: p,
		store:   st,
		pairing: ps,
		copy:    cs,
		manager: manager,
		hub:     hub,
		ticks:   ticks,
		metrics: m,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/health", s.handleHealth)
	s.e.GET("/metrics", s.handleMetrics)
	s.e.POST("/channels/:platform", s.handleChannelWebhook)
	s.e.POST("/webhook", s.handleGenericWebhook)
	s.e.POST("/webhook/*", s.handleGenericWebhook)

	s.e.GET("/ws", s.handleWebchatWS)
	s.e.GET("/chat", s.handleWebchatWS)
	s.e.GET("/api/ticks/stream", s.handleTickStream)

	api := s.e.Group("/api/v1", s.walletAuth)
	api.POST("/pairing/code", s.handleCreatePairingCode)
	api.GET("/pairing/linked", s.handleListLinked)
	api.DELETE("/pairing/linked/:channel/:userId", s.handleUnlink)
	api.GET("/pairing/status/:code", s.handlePairingStatus)
	api.POST("/copy-trading/configs", s.handleAddCopyConfig)
	api.GET("/copy-trading/configs", s.handleListCopyConfigs)
	api.PATCH("/copy-trading/configs/:id", s.handlePatchCopyConfig)
	api.DELETE("/copy-trading/configs/:id", s.handleDeleteCopyConfig)
	api.POST("/copy-trading/configs/:id/toggle", s.handleToggleCopyConfig)
}

// Start listens in the background and reports fatal listen errors.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	go func() {
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("http server listening", "addr", addr)
	return errCh
}

// Shutdown drains in-flight requests. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{
		"status":  "healthy",
		"version": version.String(),
		"mode":    s.profile.Mode,
	}
	if c.QueryParam("deep") != "true" {
		return c.JSON(http.StatusOK, resp)
	}

	status := "healthy"
	if err := s.store.Ping(c.Request().Context()); err != nil {
		status = "unhealthy"
		resp["db"] = err.Error()
	} else {
		resp["db"] = "ok"
	}

	channelHealth := s.manager.Health()
	resp["channels"] = channelHealth
	for _, healthy := range channelHealth {
		if !healthy && status == "healthy" {
			status = "degraded"
		}
	}
	resp["webchat_clients"] = s.hub.ClientCount()
	resp["status"] = status

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleMetrics(c echo.Context) error {
	if token := s.profile.MetricsToken; token != "" {
		auth := c.Request().Header.Get("Authorization")
		if auth != "Bearer "+token {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
	}
	h := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	h.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleChannelWebhook(c echo.Context) error {
	platform := c.Param("platform")
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	if err := s.manager.WebhookIngress(c.Request().Context(), platform, body); err != nil {
		slog.Warn("channel webhook rejected", "platform", platform, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

// handleGenericWebhook accepts automation payloads and forwards them as
// outbound notifications.
func (s *Server) handleGenericWebhook(c echo.Context) error {
	var payload struct {
		Platform string `json:"platform"`
		ChatID   string `json:"chatId"`
		Text     string `json:"text"`
	}
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad payload"})
	}
	if payload.Text == "" || payload.ChatID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text and chatId are required"})
	}
	if payload.Platform == "" {
		payload.Platform = "telegram"
	}
	out := &chat.Outgoing{
		Platform: chat.Platform(payload.Platform),
		ChatID:   payload.ChatID,
		Text:     payload.Text,
	}
	if err := s.manager.Send(c.Request().Context(), out); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleWebchatWS(c echo.Context) error {
	s.hub.ServeWS(c.Response(), c.Request())
	return nil
}

// walletAuth requires a well-formed x-wallet-address header and stashes it
// in the request context.
func (s *Server) walletAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		wallet := strings.TrimSpace(c.Request().Header.Get("x-wallet-address"))
		if !pairing.WalletAddressPattern.MatchString(wallet) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing or malformed x-wallet-address"})
		}
		c.Set("wallet", strings.ToLower(wallet))
		return next(c)
	}
}

func walletOf(c echo.Context) string {
	wallet, _ := c.Get("wallet").(string)
	return wallet
}
