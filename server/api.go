package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/polyterm/polyterm/copytrading"
	"github.com/polyterm/polyterm/store"
)

type pairingCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleCreatePairingCode(c echo.Context) error {
	wc, err := s.pairing.CreateWalletPairingCode(c.Request().Context(), walletOf(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, pairingCodeResponse{Code: wc.Code, ExpiresAt: wc.ExpiresAt})
}

type linkedUserResponse struct {
	Channel    string    `json:"channel"`
	ChatUserID string    `json:"chatUserId"`
	LinkedAt   time.Time `json:"linkedAt"`
	LinkedBy   string    `json:"linkedBy"`
}

func (s *Server) handleListLinked(c echo.Context) error {
	links, err := s.pairing.GetChatUsersForWallet(c.Request().Context(), walletOf(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]linkedUserResponse, 0, len(links))
	for _, l := range links {
		out = append(out, linkedUserResponse{
			Channel:    l.Channel,
			ChatUserID: l.ChatUserID,
			LinkedAt:   l.LinkedAt,
			LinkedBy:   l.LinkedBy,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleUnlink(c echo.Context) error {
	ctx := c.Request().Context()
	channel, userID := c.Param("channel"), c.Param("userId")

	// Only links belonging to the authenticated wallet can be cut.
	wallet, err := s.pairing.GetWalletForChatUser(ctx, channel, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if wallet != walletOf(c) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "link not found"})
	}
	if _, err := s.pairing.UnlinkChatUser(ctx, channel, userID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePairingStatus(c echo.Context) error {
	pending, err := s.pairing.GetPairingStatus(c.Request().Context(), c.Param("code"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"pending": pending, "done": !pending})
}

type copyConfigRequest struct {
	TargetWallet string  `json:"targetWallet"`
	Platform     string  `json:"platform"`
	MaxSizeUSD   float64 `json:"maxSizeUsd"`
	Active       *bool   `json:"active"`
}

type copyConfigResponse struct {
	ID           string    `json:"id"`
	TargetWallet string    `json:"targetWallet"`
	Platform     string    `json:"platform"`
	Active       bool      `json:"active"`
	MaxSizeUSD   float64   `json:"maxSizeUsd"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s *Server) handleAddCopyConfig(c echo.Context) error {
	var req copyConfigRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad payload"})
	}
	if req.Platform == "" {
		req.Platform = "polymarket"
	}
	if req.MaxSizeUSD <= 0 {
		req.MaxSizeUSD = 100
	}

	cfg, err := s.copy.AddConfig(c.Request().Context(), walletOf(c), req.TargetWallet, req.Platform, req.MaxSizeUSD)
	switch {
	case errors.Is(err, copytrading.ErrInvalidTarget),
		errors.Is(err, copytrading.ErrSelfFollow):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, copytrading.ErrNoCredentials):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, copytrading.ErrTooManyConfigs):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, toCopyConfigResponse(cfg))
}

func (s *Server) handleListCopyConfigs(c echo.Context) error {
	configs, err := s.copy.ListConfigs(c.Request().Context(), walletOf(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]copyConfigResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, toCopyConfigResponse(cfg))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePatchCopyConfig(c echo.Context) error {
	cfg, ok := s.ownedConfig(c)
	if !ok {
		return nil
	}

	var req copyConfigRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad payload"})
	}
	var maxSize *float64
	if req.MaxSizeUSD > 0 {
		maxSize = &req.MaxSizeUSD
	}
	updated, err := s.copy.UpdateConfig(c.Request().Context(), cfg.ID, maxSize, req.Active)
	if err != nil || updated == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "update failed"})
	}
	return c.JSON(http.StatusOK, toCopyConfigResponse(updated))
}

func (s *Server) handleDeleteCopyConfig(c echo.Context) error {
	cfg, ok := s.ownedConfig(c)
	if !ok {
		return nil
	}
	if _, err := s.copy.RemoveConfig(c.Request().Context(), cfg.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleToggleCopyConfig(c echo.Context) error {
	cfg, ok := s.ownedConfig(c)
	if !ok {
		return nil
	}
	updated, err := s.copy.SetActive(c.Request().Context(), cfg.ID, !cfg.Active)
	if err != nil || updated == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "toggle failed"})
	}
	return c.JSON(http.StatusOK, toCopyConfigResponse(updated))
}

// ownedConfig loads the :id config and enforces wallet ownership. When it
// returns ok=false the response has already been written.
func (s *Server) ownedConfig(c echo.Context) (*store.CopyConfig, bool) {
	cfg, err := s.copy.GetConfig(c.Request().Context(), c.Param("id"))
	if err != nil {
		_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return nil, false
	}
	if cfg == nil || cfg.WalletAddress != walletOf(c) {
		_ = c.JSON(http.StatusNotFound, map[string]string{"error": "config not found"})
		return nil, false
	}
	return cfg, true
}

func toCopyConfigResponse(cfg *store.CopyConfig) copyConfigResponse {
	return copyConfigResponse{
		ID:           cfg.ID,
		TargetWallet: cfg.TargetWallet,
		Platform:     cfg.Platform,
		Active:       cfg.Active,
		MaxSizeUSD:   cfg.MaxSizeUSD,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
}
