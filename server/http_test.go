package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyterm/polyterm/copytrading"
	"github.com/polyterm/polyterm/feeds"
	"github.com/polyterm/polyterm/internal/config"
	"github.com/polyterm/polyterm/internal/profile"
	"github.com/polyterm/polyterm/metrics"
	"github.com/polyterm/polyterm/pairing"
	"github.com/polyterm/polyterm/plugin/chat/channels"
	"github.com/polyterm/polyterm/plugin/chat/channels/webchat"
	"github.com/polyterm/polyterm/store"
	"github.com/polyterm/polyterm/store/db/sqlite"
)

const testWallet = "0x00000000000000000000000000000000000000aa"

func newTestServer(t *testing.T) (*Server, *pairing.Service) {
	t.Helper()
	p := &profile.Profile{
		Mode:         "dev",
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "server_test.db"),
		MetricsToken: "sekret",
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	ps := pairing.NewService(st, config.PairingConfig{})
	cs := copytrading.NewService(st, nil, config.CopyTradingConfig{Enabled: true})
	manager := channels.NewManager(nil)
	hub := webchat.NewHub("secret", ps)
	ticks := feeds.NewHub()
	t.Cleanup(ticks.Close)

	return New(p, st, ps, cs, manager, hub, ticks, metrics.New()), ps
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func walletHeaders() map[string]string {
	return map[string]string{"x-wallet-address": testWallet}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])

	rec = doRequest(s, http.MethodGet, "/health?deep=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["db"])
}

func TestMetricsRequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/metrics", "", map[string]string{"Authorization": "Bearer sekret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polyterm_webchat_clients")
}

func TestWalletAuthRejectsMissingHeader(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/v1/copy-trading/configs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/copy-trading/configs", "",
		map[string]string{"x-wallet-address": "not-an-address"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPairingCodeLifecycleOverHTTP(t *testing.T) {
	s, ps := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/pairing/code", "", walletHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created pairingCodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Regexp(t, pairing.CodePattern, created.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/pairing/status/"+created.Code, "", walletHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status["pending"])

	// A chat user consumes the code; the poll flips to done.
	link, err := ps.ValidateWalletPairingCode(context.Background(), "telegram", "42", created.Code)
	require.NoError(t, err)
	require.NotNil(t, link)

	rec = doRequest(s, http.MethodGet, "/api/v1/pairing/status/"+created.Code, "", walletHeaders())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status["pending"])

	rec = doRequest(s, http.MethodGet, "/api/v1/pairing/linked", "", walletHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var linked []linkedUserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &linked))
	require.Len(t, linked, 1)
	assert.Equal(t, "telegram", linked[0].Channel)

	rec = doRequest(s, http.MethodDelete, "/api/v1/pairing/linked/telegram/42", "", walletHeaders())
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCopyConfigCRUDOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	target := "0x" + strings.Repeat("b", 40)

	rec := doRequest(s, http.MethodPost, "/api/v1/copy-trading/configs",
		`{"targetWallet":"`+target+`","maxSizeUsd":250}`, walletHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created copyConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Active)
	assert.Equal(t, 250.0, created.MaxSizeUSD)

	rec = doRequest(s, http.MethodPost, "/api/v1/copy-trading/configs/"+created.ID+"/toggle", "", walletHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled copyConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.False(t, toggled.Active)

	rec = doRequest(s, http.MethodPatch, "/api/v1/copy-trading/configs/"+created.ID,
		`{"maxSizeUsd":500}`, walletHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var patched copyConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.Equal(t, 500.0, patched.MaxSizeUSD)

	// Another wallet cannot touch the config.
	other := map[string]string{"x-wallet-address": "0x" + strings.Repeat("c", 40)}
	rec = doRequest(s, http.MethodDelete, "/api/v1/copy-trading/configs/"+created.ID, "", other)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/api/v1/copy-trading/configs/"+created.ID, "", walletHeaders())
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/copy-trading/configs", "", walletHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var list []copyConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestInvalidCopyTargetRejected(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/api/v1/copy-trading/configs",
		`{"targetWallet":"nope"}`, walletHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Following yourself is refused.
	rec = doRequest(s, http.MethodPost, "/api/v1/copy-trading/configs",
		`{"targetWallet":"`+testWallet+`"}`, walletHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenericWebhookValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/webhook", `{"text":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No channel registered for the platform.
	rec = doRequest(s, http.MethodPost, "/webhook", `{"chatId":"1","text":"hi"}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
