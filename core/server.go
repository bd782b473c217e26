package core

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	flowCookieName = "idgate_oauth_flow"
	flowDuration   = 5 * time.Minute
)

type Server struct {
	config    *Config
	providers ProviderRegistry
	identity  *IdentityService
	principal *PrincipalAdapter
	tokens    *TokenService
	crypto    *CryptoService
	logger    *zap.Logger
}

func NewServer(
	config *Config,
	providers ProviderRegistry,
	identity *IdentityService,
	principal *PrincipalAdapter,
	tokens *TokenService,
	crypto *CryptoService,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:    config,
		providers: providers,
		identity:  identity,
		principal: principal,
		tokens:    tokens,
		crypto:    crypto,
		logger:    logger,
	}
}

// Router builds the gin engine. gatherer may be nil to skip /metrics.
func (s *Server) Router(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.logger), s.LoadPrincipal())

	r.GET("/health", s.HandleHealth)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	auth := r.Group("/auth")
	auth.GET("/user", s.HandleCurrentUser)
	auth.POST("/logout", s.HandleLogout)
	auth.GET("/:provider", s.HandleLoginStart)
	auth.POST("/:provider", s.HandleLoginStart)
	auth.GET("/:provider/callback", s.HandleCallback)
	auth.POST("/:provider/callback", s.HandleCallback)

	api := r.Group("/api")
	api.GET("/user", s.HandleCurrentUser)
	api.POST("/logout", s.HandleLogout)
	api.GET("/token", s.HandleToken)
	api.GET("/whoami", BearerAuth(s.tokens), s.HandleWhoAmI)

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			respondError(c, http.StatusNotFound, "not_found", "API endpoint not found")
			return
		}
		respondError(c, http.StatusNotFound, "not_found", "Not found")
	})

	return r
}

func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"publicBaseUrl": s.config.Server.PublicBaseURL(),
		"listeningOn":   "http://" + s.config.Server.ListenAddr(),
	})
}

func (s *Server) HandleLoginStart(c *gin.Context) {
	provider := Provider(c.Param("provider"))
	authProvider, err := s.providers.Get(provider)
	if err != nil {
		respondError(c, http.StatusNotFound, "invalid_provider", "Unsupported provider")
		return
	}

	state, err := RandomToken(32)
	if err != nil {
		s.logger.Error("failed to generate oauth state", zap.Error(err))
		c.Redirect(http.StatusFound, s.config.Server.LoginPath)
		return
	}
	flow := &FlowState{
		Provider:  provider,
		State:     state,
		Verifier:  oauth2.GenerateVerifier(),
		ExpiresAt: time.Now().Add(flowDuration).Unix(),
	}
	sealed, err := s.crypto.SealFlow(flow)
	if err != nil {
		s.logger.Error("failed to seal oauth flow", zap.Error(err))
		c.Redirect(http.StatusFound, s.config.Server.LoginPath)
		return
	}

	s.setFlowCookie(c, sealed, int(flowDuration.Seconds()))
	c.Redirect(http.StatusFound, authProvider.AuthCodeURL(flow.State, flow.Verifier))
}

// HandleCallback completes the handshake. Every failure sends the browser back
// to the login entry point.
func (s *Server) HandleCallback(c *gin.Context) {
	provider := Provider(c.Param("provider"))
	log := s.logger.With(zap.String("provider", string(provider)))

	authProvider, err := s.providers.Get(provider)
	if err != nil {
		log.Warn("callback for unsupported provider")
		s.redirectToLogin(c)
		return
	}

	flowValue, _ := c.Cookie(flowCookieName)
	s.setFlowCookie(c, "", -1)

	flow, err := s.crypto.OpenFlow(flowValue, time.Now())
	if err != nil || flow.Provider != provider || flow.State != formOrQuery(c, "state") {
		log.Warn("oauth callback state mismatch")
		s.redirectToLogin(c)
		return
	}

	if idpErr := formOrQuery(c, "error"); idpErr != "" {
		log.Warn("identity provider returned error",
			zap.String("error", idpErr),
			zap.String("description", formOrQuery(c, "error_description")),
		)
		s.redirectToLogin(c)
		return
	}

	code := formOrQuery(c, "code")
	if code == "" {
		log.Warn("oauth callback without code")
		s.redirectToLogin(c)
		return
	}

	ctx := c.Request.Context()
	assertion, err := authProvider.Authenticate(ctx, &CallbackRequest{
		Code:         code,
		CodeVerifier: flow.Verifier,
		User:         c.PostForm("user"),
	})
	if err != nil {
		log.Warn("provider authentication failed", zap.Error(err))
		s.redirectToLogin(c)
		return
	}

	user, err := s.identity.Reconcile(ctx, assertion)
	if err != nil {
		s.redirectToLogin(c)
		return
	}

	session, err := s.principal.Serialize(ctx, user)
	if err != nil {
		log.Error("failed to establish session", zap.Error(err))
		s.redirectToLogin(c)
		return
	}

	s.setSessionCookie(c, session.ID, int(time.Until(session.ExpiresAt).Seconds()))
	log.Info("login succeeded", zap.String("user_id", user.ID.String()), zap.String("ip", c.ClientIP()))
	c.Redirect(http.StatusFound, s.config.Server.WelcomePath)
}

func (s *Server) HandleCurrentUser(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "not_authenticated", "Not authenticated")
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) HandleLogout(c *gin.Context) {
	sessionID, _ := c.Cookie(s.config.Session.CookieName)
	if err := s.principal.Revoke(c.Request.Context(), sessionID); err != nil {
		s.logger.Error("logout failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "Logout failed")
		return
	}

	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) HandleToken(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "not_authenticated", "Not authenticated")
		return
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		s.logger.Error("failed to issue token", zap.String("user_id", user.ID.String()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) HandleWhoAmI(c *gin.Context) {
	claims, ok := TokenClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sub":   claims.Subject,
		"email": claims.Email,
		"name":  claims.Name,
		"iss":   claims.Issuer,
		"exp":   claims.ExpiresAt.Unix(),
	})
}

// Helper functions

func (s *Server) redirectToLogin(c *gin.Context) {
	c.Redirect(http.StatusFound, s.config.Server.LoginPath)
}

func (s *Server) setSessionCookie(c *gin.Context, value string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.config.Session.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.config.Session.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// The flow cookie must survive Apple's cross-site form_post, which only
// happens with SameSite=None on a secure cookie.
func (s *Server) setFlowCookie(c *gin.Context, value string, maxAge int) {
	sameSite := http.SameSiteLaxMode
	if s.config.Session.CookieSecure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     flowCookieName,
		Value:    value,
		Path:     "/auth/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.config.Session.CookieSecure,
		SameSite: sameSite,
	})
}

func formOrQuery(c *gin.Context, key string) string {
	if v := c.PostForm(key); v != "" {
		return v
	}
	return c.Query(key)
}

func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, gin.H{
		"error":   errorCode,
		"message": message,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
