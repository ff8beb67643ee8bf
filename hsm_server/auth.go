package hsm_server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is the lifetime of issued bearer tokens
const DefaultTokenTTL = time.Hour

var (
	// ErrInvalidCredentials is returned when a client id or secret does not match
	ErrInvalidCredentials = errors.New("invalid client credentials")
	// ErrMissingToken is returned when a request carries no bearer token
	ErrMissingToken = errors.New("no authorization token")
)

// Claims represents JWT claims
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Authenticator checks client credentials and issues HS256 tokens
type Authenticator struct {
	secret     []byte
	clientID   string
	secretHash []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewAuthenticator creates an authenticator for a single client. secretHash
// is the bcrypt hash of the client secret.
func NewAuthenticator(jwtSecret []byte, clientID string, secretHash []byte, ttl time.Duration) (*Authenticator, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if _, err := bcrypt.Cost(secretHash); err != nil {
		return nil, fmt.Errorf("invalid client secret hash: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		secret:     jwtSecret,
		clientID:   clientID,
		secretHash: secretHash,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// Login verifies the client credentials and returns a signed token
func (a *Authenticator) Login(clientID, clientSecret string) (string, time.Time, error) {
	if clientID != a.clientID {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(clientSecret)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.IssueToken(clientID)
}

// IssueToken signs a token for clientID
func (a *Authenticator) IssueToken(clientID string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns claims
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Require rejects requests without a valid bearer token
func (a *Authenticator) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractTokenFromHeader(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingToken.Error())
			return
		}
		if _, err := a.ValidateToken(tokenString); err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		next(w, r)
	}
}

// extractTokenFromHeader extracts JWT token from Authorization header
func extractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		return authHeader[7:]
	}
	return ""
}
