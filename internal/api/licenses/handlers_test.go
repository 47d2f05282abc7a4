package licenses

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/db/repositories"
	"github.com/sitelicense/license-server/internal/licensing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubEngine records the last call and returns canned results
type stubEngine struct {
	decision   *licensing.Decision
	unregister *licensing.UnregisterResult
	trial      *models.License
	err        error

	lastKey      string
	lastSite     licensing.SiteIdentity
	lastMeta     licensing.ClientMeta
	lastCustomer licensing.Customer
}

func (s *stubEngine) Validate(_ context.Context, key string, site licensing.SiteIdentity, meta licensing.ClientMeta) (*licensing.Decision, error) {
	s.lastKey, s.lastSite, s.lastMeta = key, site, meta
	return s.decision, s.err
}

func (s *stubEngine) Unregister(_ context.Context, key string, site licensing.SiteIdentity) (*licensing.UnregisterResult, error) {
	s.lastKey, s.lastSite = key, site
	return s.unregister, s.err
}

func (s *stubEngine) RegisterTrial(_ context.Context, customer licensing.Customer, site licensing.SiteIdentity) (*models.License, error) {
	s.lastCustomer, s.lastSite = customer, site
	return s.trial, s.err
}

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

func newRouter(engine Engine, pub ed25519.PublicKey) *gin.Engine {
	h := NewHandler(engine, pub)
	r := gin.New()
	r.POST("/licenses/validate", h.Validate)
	r.POST("/licenses/unregister", h.Unregister)
	r.POST("/trials", h.RegisterTrial)
	r.GET("/licenses/token-key", h.TokenKey)
	return r
}

func post(r *gin.Engine, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var buf []byte
	switch b := body.(type) {
	case string:
		buf = []byte(b)
	default:
		buf, _ = json.Marshal(b)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var m map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &m)
	return w, m
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_Allowed(t *testing.T) {
	limit := models.SeatLimit(5)
	used := 2
	engine := &stubEngine{decision: &licensing.Decision{
		Allowed:     true,
		LicenseType: models.LicenseTypeFixedSeat,
		Status:      models.LicenseStatusActive,
		SeatLimit:   &limit,
		SeatsUsed:   &used,
	}}
	r := newRouter(engine, nil)

	w, body := post(r, "/licenses/validate", ValidateRequest{
		LicenseKey:    "WPL-KEY",
		SiteDomain:    "https://example.com",
		SitePath:      "/blog",
		InstallRoot:   "/var/www/html",
		PluginVersion: "2.1.0",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, float64(5), body["seat_limit"])
	assert.Equal(t, "WPL-KEY", engine.lastKey)
	assert.Equal(t, licensing.SiteIdentity{Domain: "https://example.com", Path: "/blog", InstallRoot: "/var/www/html"}, engine.lastSite)
	assert.Equal(t, "2.1.0", engine.lastMeta.PluginVersion)
}

func TestValidate_DenialIsOK(t *testing.T) {
	engine := &stubEngine{decision: &licensing.Decision{
		Allowed: false,
		Reason:  licensing.ReasonSeatLimitExceeded,
		Message: "Seat limit reached: 5/5 used",
	}}
	r := newRouter(engine, nil)

	w, body := post(r, "/licenses/validate", ValidateRequest{LicenseKey: "WPL-KEY", SiteDomain: "example.com"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "SeatLimitExceeded", body["reason"])
	assert.Equal(t, "Seat limit reached: 5/5 used", body["message"])
}

func TestValidate_InputError(t *testing.T) {
	engine := &stubEngine{err: &licensing.InputError{Code: licensing.CodeInvalidSite, Message: "site domain is required"}}
	r := newRouter(engine, nil)

	w, body := post(r, "/licenses/validate", ValidateRequest{LicenseKey: "WPL-KEY"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, licensing.CodeInvalidSite, body["code"])
}

func TestValidate_MalformedBody(t *testing.T) {
	engine := &stubEngine{}
	r := newRouter(engine, nil)

	w, body := post(r, "/licenses/validate", "{not json")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["code"])
	assert.Empty(t, engine.lastKey, "engine must not be called")
}

func TestValidate_TransientFault(t *testing.T) {
	r := newRouter(&stubEngine{err: driver.ErrBadConn}, nil)

	w, body := post(r, "/licenses/validate", ValidateRequest{LicenseKey: "WPL-KEY", SiteDomain: "example.com"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, body["retryable"])
}

// ---------------------------------------------------------------------------
// Unregister
// ---------------------------------------------------------------------------

func TestUnregister_Success(t *testing.T) {
	engine := &stubEngine{unregister: &licensing.UnregisterResult{
		Released:       true,
		Fingerprint:    "0123456789abcdef0123456789abcdef",
		SeatsUsed:      1,
		SeatsRemaining: 4,
	}}
	r := newRouter(engine, nil)

	w, body := post(r, "/licenses/unregister", UnregisterRequest{LicenseKey: "WPL-KEY", SiteDomain: "example.com"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["released"])
	assert.Equal(t, float64(4), body["seats_remaining"])
	assert.Equal(t, "example.com", engine.lastSite.Domain)
}

func TestUnregister_UnknownKey(t *testing.T) {
	r := newRouter(&stubEngine{err: repositories.ErrLicenseNotFound}, nil)

	w, body := post(r, "/licenses/unregister", UnregisterRequest{LicenseKey: "WPL-NOPE", SiteDomain: "example.com"})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "license_not_found", body["code"])
}

// ---------------------------------------------------------------------------
// RegisterTrial
// ---------------------------------------------------------------------------

func TestRegisterTrial_Created(t *testing.T) {
	expires := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
	engine := &stubEngine{trial: &models.License{
		LicenseKey:    "WPL-TRIAL",
		LicenseType:   models.LicenseTypeTrial,
		Status:        models.LicenseStatusTrial,
		SeatLimit:     5,
		ExpiresAt:     &expires,
		CustomerEmail: "ada@example.com",
	}}
	r := newRouter(engine, nil)

	w, body := post(r, "/trials", TrialRequest{CustomerEmail: "Ada@Example.com", CustomerName: "Ada", SiteDomain: "example.com"})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "WPL-TRIAL", body["license_key"])
	assert.Equal(t, "trial", body["status"])
	assert.Equal(t, licensing.Customer{Email: "Ada@Example.com", Name: "Ada"}, engine.lastCustomer)
	assert.Equal(t, "example.com", engine.lastSite.Domain)
}

func TestRegisterTrial_Duplicate(t *testing.T) {
	r := newRouter(&stubEngine{err: licensing.ErrDuplicateTrial}, nil)

	w, body := post(r, "/trials", TrialRequest{CustomerEmail: "ada@example.com", SiteDomain: "example.com"})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_trial", body["code"])
}

// ---------------------------------------------------------------------------
// TokenKey
// ---------------------------------------------------------------------------

func TestTokenKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := newRouter(&stubEngine{}, pub)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/licenses/token-key", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "EdDSA", body["algorithm"])
	decoded, err := base64.StdEncoding.DecodeString(body["public_key"])
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), decoded)
}

func TestTokenKey_Disabled(t *testing.T) {
	r := newRouter(&stubEngine{}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/licenses/token-key", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
