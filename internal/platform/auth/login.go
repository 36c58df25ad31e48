package auth

import (
	"crypto/subtle"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Account is the single operator account configured through the
// environment.
type Account struct {
	Username string
	Password string
	Roles    []string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	TenantID    string `json:"tenant_id"`
}

type LoginHandler struct {
	issuer        *TokenIssuer
	account       Account
	defaultTenant string
	logger        zerolog.Logger
}

func NewLoginHandler(issuer *TokenIssuer, account Account, defaultTenant string, logger zerolog.Logger) *LoginHandler {
	if len(account.Roles) == 0 {
		account.Roles = []string{RoleAdmin}
	}
	return &LoginHandler{issuer: issuer, account: account, defaultTenant: defaultTenant, logger: logger}
}

func (h *LoginHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/auth/login", h.Login, mw...)
}

func (h *LoginHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.account.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.account.Password)) == 1
	if !userOK || !passOK {
		h.logger.Warn().Str("username", req.Username).Str("remote_ip", c.RealIP()).Msg("login failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = h.defaultTenant
	}
	if !tenantIDPattern.MatchString(tenant) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
	}

	token, _, err := h.issuer.Issue(req.Username, tenant, h.account.Roles)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not issue token")
	}
	h.logger.Info().Str("username", req.Username).Str("tenant_id", tenant).Msg("login succeeded")

	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.issuer.TTL().Seconds()),
		TenantID:    tenant,
	})
}
