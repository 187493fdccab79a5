package remote

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token.
func (s StaticToken) Token() (string, error) { return string(s), nil }

// Claims identify the user and device behind a sync request.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTAuth signs and validates HS256 device tokens.
type JWTAuth struct {
	secret []byte
	issuer string
}

// NewJWTAuth creates a JWT authenticator with a shared secret.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: "offsync"}
}

// GenerateToken issues a token for userID on deviceID valid for ttl.
func (j *JWTAuth) GenerateToken(userID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken parses a token and checks its signature, lifetime and claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

// JWTTokenSource mints device tokens and reuses one until it nears expiry.
type JWTTokenSource struct {
	auth     *JWTAuth
	userID   string
	deviceID string
	ttl      time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTTokenSource creates a token source for one user and device.
func NewJWTTokenSource(secret, userID, deviceID string, ttl time.Duration) *JWTTokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTTokenSource{auth: NewJWTAuth(secret), userID: userID, deviceID: deviceID, ttl: ttl}
}

// Token returns a cached token, minting a new one within a minute of expiry.
func (s *JWTTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > time.Minute {
		return s.token, nil
	}
	tok, err := s.auth.GenerateToken(s.userID, s.deviceID, s.ttl)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.token = tok
	s.expires = time.Now().Add(s.ttl)
	return tok, nil
}
