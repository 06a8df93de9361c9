package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/horizon/internal/config"
)

func newService(t *testing.T) *AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	viewer, err := bcrypt.GenerateFromPassword([]byte("look"), bcrypt.MinCost)
	require.NoError(t, err)
	s, err := NewAuthService(config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Users: []config.UserConfig{
			{Username: "ops", PasswordHash: string(hash), Roles: []string{RoleOperator}},
			{Username: "dash", PasswordHash: string(viewer), Roles: []string{RoleViewer}},
		},
	})
	require.NoError(t, err)
	return s
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	s := newService(t)

	res, err := s.Login(LoginRequest{Username: "ops", Password: "secret"})
	require.NoError(t, err)
	require.NotNil(t, res.Token)
	assert.Equal(t, "Bearer", res.Token.Type)

	got, err := s.authenticateJWT(res.Token.Value)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Username)
	assert.Equal(t, []string{RoleOperator}, got.Roles)

	_, err = s.Login(LoginRequest{Username: "ops", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(LoginRequest{Username: "nobody", Password: "secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestExpiredAndForeignTokensRejected(t *testing.T) {
	s := newService(t)
	res, err := s.Login(LoginRequest{Username: "ops", Password: "secret"})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.authenticateJWT(res.Token.Value)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	other := newService(t)
	other.jwtSecret = []byte("different")
	tok, err := other.generateJWT("ops", []string{RoleAdmin})
	require.NoError(t, err)
	_, err = newService(t).authenticateJWT(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestHasPermission(t *testing.T) {
	s := newService(t)
	assert.True(t, s.HasPermission([]string{RoleViewer}, ResourceFleet, ActionRead))
	assert.False(t, s.HasPermission([]string{RoleViewer}, ResourceSupervisor, ActionWrite))
	assert.True(t, s.HasPermission([]string{RoleOperator}, ResourceSupervisor, ActionWrite))
	assert.True(t, s.HasPermission([]string{RoleAdmin}, "anything", "delete"))
	assert.False(t, s.HasPermission(nil, ResourceFleet, ActionRead))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mw := NewMiddleware(newService(t))
	g := gin.New()
	g.POST("/auth/login", mw.GinLogin)
	api := g.Group("", mw.GinAuth())
	api.GET("/read", mw.GinRequirePermission(ResourceFleet, ActionRead), func(c *gin.Context) { c.Status(http.StatusOK) })
	api.POST("/write", mw.GinRequirePermission(ResourceSupervisor, ActionWrite), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	do := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(httptest.NewRequest(http.MethodGet, "/read", nil)))

	req := httptest.NewRequest(http.MethodGet, "/read", nil)
	req.SetBasicAuth("dash", "look")
	assert.Equal(t, http.StatusOK, do(req))

	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.SetBasicAuth("dash", "look")
	assert.Equal(t, http.StatusForbidden, do(req))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"ops","password":"secret"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"Bearer"`)

	res, err := mw.Service().Login(LoginRequest{Username: "ops", Password: "secret"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set("Authorization", "Bearer "+res.Token.Value)
	assert.Equal(t, http.StatusAccepted, do(req))

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"ops","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
