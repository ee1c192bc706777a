package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/pennywise-app/pennywise/pkg/client"
)

const stateCookie = "pennywise_oauth_state"

func (s *Server) redirectURL(c *gin.Context) string {
	if s.deps.OAuthRedirectURL != "" {
		return s.deps.OAuthRedirectURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + "/api/v1/oauth/callback"
}

func (s *Server) oauthLogin(c *gin.Context) {
	if s.deps.OAuth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "oauth is not configured"})
		return
	}
	config, err := s.deps.OAuth.Config(s.redirectURL(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	state, err := client.NewState()
	if err != nil {
		s.fail(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, 600, "/api/v1/oauth", "", c.Request.TLS != nil, true)
	c.Redirect(http.StatusFound, config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))
}

func (s *Server) oauthCallback(c *gin.Context) {
	if s.deps.OAuth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "oauth is not configured"})
		return
	}

	want, err := c.Cookie(stateCookie)
	if err != nil || want == "" || c.Query("state") != want {
		badRequest(c, "invalid oauth state")
		return
	}
	code := c.Query("code")
	if code == "" {
		badRequest(c, "missing authorization code")
		return
	}

	config, err := s.deps.OAuth.Config(s.redirectURL(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	tok, err := config.Exchange(c.Request.Context(), code)
	if err != nil {
		s.logger.Warn("oauth code exchange failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed"})
		return
	}
	if err := s.deps.OAuth.SaveToken(tok); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("oauth token stored")
	if s.deps.OnAuthorized != nil {
		s.deps.OnAuthorized()
	}
	c.SetCookie(stateCookie, "", -1, "/api/v1/oauth", "", c.Request.TLS != nil, true)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(client.SuccessPage()))
}
