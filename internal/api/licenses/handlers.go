// Package licenses implements the public endpoints called by installed plugin copies: site
// validation, site unregistration, trial signup and the decision-token public key.
// Entitlement denials are ordinary 200 responses with allowed=false; only malformed input
// and storage faults produce error statuses.
package licenses

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/api/apierror"
	"github.com/sitelicense/license-server/internal/db/models"
	"github.com/sitelicense/license-server/internal/licensing"
)

// Engine is the part of the entitlement engine the plugin endpoints call
type Engine interface {
	Validate(ctx context.Context, key string, site licensing.SiteIdentity, meta licensing.ClientMeta) (*licensing.Decision, error)
	Unregister(ctx context.Context, key string, site licensing.SiteIdentity) (*licensing.UnregisterResult, error)
	RegisterTrial(ctx context.Context, customer licensing.Customer, site licensing.SiteIdentity) (*models.License, error)
}

// Handler serves the plugin endpoints
type Handler struct {
	engine    Engine
	publicKey ed25519.PublicKey
}

// NewHandler creates a Handler. publicKey is nil when decision tokens are disabled.
func NewHandler(engine Engine, publicKey ed25519.PublicKey) *Handler {
	return &Handler{engine: engine, publicKey: publicKey}
}

// ValidateRequest is the body of a validation call
type ValidateRequest struct {
	LicenseKey    string `json:"license_key"`
	SiteDomain    string `json:"site_domain"`
	SitePath      string `json:"site_path"`
	InstallRoot   string `json:"install_root"`
	PluginVersion string `json:"plugin_version"`
}

// UnregisterRequest is the body of an unregister call
type UnregisterRequest struct {
	LicenseKey  string `json:"license_key"`
	SiteDomain  string `json:"site_domain"`
	SitePath    string `json:"site_path"`
	InstallRoot string `json:"install_root"`
}

// TrialRequest is the body of a trial signup
type TrialRequest struct {
	CustomerEmail string `json:"customer_email"`
	CustomerName  string `json:"customer_name"`
	SiteDomain    string `json:"site_domain"`
}

// @Summary      Validate a site
// @Description  Decides whether the site may run the plugin under the license key, claiming a seat for a new site. Denials return 200 with allowed=false and a reason.
// @Tags         Licenses
// @Accept       json
// @Produce      json
// @Param        body  body  ValidateRequest  true  "License key and site identity"
// @Success      200  {object}  licensing.Decision
// @Failure      400  {object}  map[string]interface{}  "Malformed input"
// @Failure      503  {object}  map[string]interface{}  "Storage fault, retryable"
// @Router       /api/v1/licenses/validate [post]
// Validate handles POST /api/v1/licenses/validate
func (h *Handler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	decision, err := h.engine.Validate(c.Request.Context(), req.LicenseKey,
		licensing.SiteIdentity{Domain: req.SiteDomain, Path: req.SitePath, InstallRoot: req.InstallRoot},
		licensing.ClientMeta{PluginVersion: req.PluginVersion})
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

// @Summary      Unregister a site
// @Description  Releases the seat held by the site. Releasing a seat that is not held succeeds with released=false.
// @Tags         Licenses
// @Accept       json
// @Produce      json
// @Param        body  body  UnregisterRequest  true  "License key and site identity"
// @Success      200  {object}  licensing.UnregisterResult
// @Failure      400  {object}  map[string]interface{}  "Malformed input"
// @Failure      404  {object}  map[string]interface{}  "Unknown license key"
// @Router       /api/v1/licenses/unregister [post]
// Unregister handles POST /api/v1/licenses/unregister
func (h *Handler) Unregister(c *gin.Context) {
	var req UnregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.engine.Unregister(c.Request.Context(), req.LicenseKey,
		licensing.SiteIdentity{Domain: req.SiteDomain, Path: req.SitePath, InstallRoot: req.InstallRoot})
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// @Summary      Start a trial
// @Description  Issues a trial license to an email with no running trial or active license.
// @Tags         Trials
// @Accept       json
// @Produce      json
// @Param        body  body  TrialRequest  true  "Customer and site"
// @Success      201  {object}  models.License
// @Failure      400  {object}  map[string]interface{}  "Malformed input"
// @Failure      409  {object}  map[string]interface{}  "Trial or license already exists"
// @Router       /api/v1/trials [post]
// RegisterTrial handles POST /api/v1/trials
func (h *Handler) RegisterTrial(c *gin.Context) {
	var req TrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	lic, err := h.engine.RegisterTrial(c.Request.Context(),
		licensing.Customer{Email: req.CustomerEmail, Name: req.CustomerName},
		licensing.SiteIdentity{Domain: req.SiteDomain})
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusCreated, lic)
}

// TokenKey handles GET /api/v1/licenses/token-key. Plugins pin this key to verify signed
// decisions while offline.
func (h *Handler) TokenKey(c *gin.Context) {
	if len(h.publicKey) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Decision tokens are not enabled",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"algorithm":  "EdDSA",
		"public_key": base64.StdEncoding.EncodeToString(h.publicKey),
	})
}
