package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/horizon/internal/config"
)

const issuer = "horizon"

// AuthService authenticates the users configured under [server.auth].
type AuthService struct {
	users     map[string]config.UserConfig
	jwtSecret []byte
	tokenTTL  time.Duration
	// dummyHash keeps unknown usernames as slow as wrong passwords.
	dummyHash []byte
	now       func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg config.AuthConfig) (*AuthService, error) {
	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		jwtSecret = make([]byte, 32)
		if _, err := rand.Read(jwtSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("horizon"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	return &AuthService{
		users:     users,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Login checks username and password and issues a bearer token.
func (s *AuthService) Login(req LoginRequest) (*AuthResult, error) {
	res, err := s.authenticateBasic(req.Username, req.Password)
	if err != nil {
		return res, err
	}
	tok, err := s.generateJWT(res.Username, res.Roles)
	if err != nil {
		return &AuthResult{Success: false}, err
	}
	res.Token = tok
	return res, nil
}

func (s *AuthService) authenticateBasic(username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	u, ok := s.users[username]
	hash := s.dummyHash
	if ok {
		hash = []byte(u.PasswordHash)
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Username: u.Username, Roles: u.Roles}, nil
}

func (s *AuthService) authenticateJWT(tokenString string) (*AuthResult, error) {
	if tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	// a token outlives a user removed from the config only until restart
	if _, known := s.users[claims.Username]; !known {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Username: claims.Username, Roles: claims.Roles}, nil
}

func (s *AuthService) generateJWT(username string, roles []string) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   username,
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: tokenString, ExpiresAt: expiresAt}, nil
}

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleOperator: {
		{Resource: ResourceFleet, Action: ActionRead},
		{Resource: ResourceSupervisor, Action: ActionRead},
		{Resource: ResourceSupervisor, Action: ActionWrite},
	},
	RoleViewer: {
		{Resource: ResourceFleet, Action: ActionRead},
		{Resource: ResourceSupervisor, Action: ActionRead},
	},
}

// HasPermission checks if any of roles grants action on resource.
func (s *AuthService) HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			if (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action) {
				return true
			}
		}
	}
	return false
}
