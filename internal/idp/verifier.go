// Package idp verifies bearer tokens issued by the external identity provider.
// Verification prefers the shared JWT secret when configured (no network hop)
// and falls back to the provider's user endpoint otherwise.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the verified identity information extracted from a token.
type Claims struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Config struct {
	// URL is the provider base URL, used for the REST fallback.
	URL string
	// APIKey accompanies REST verification requests.
	APIKey string
	// JWTSecret enables local HS256 verification when non-empty.
	JWTSecret string
}

type Verifier struct {
	cfg    Config
	client *http.Client
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify checks the token and returns its claims. Every provider-side
// rejection (expired, malformed, revoked) collapses into ErrInvalidToken so
// verification internals never reach the client.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrInvalidToken
	}

	if v.cfg.JWTSecret != "" {
		if claims, err := v.verifyLocal(token); err == nil {
			return claims, nil
		}
		if v.cfg.URL == "" {
			return Claims{}, ErrInvalidToken
		}
	}

	return v.verifyRemote(ctx, token)
}

func (v *Verifier) verifyLocal(token string) (Claims, error) {
	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{
		Subject: stringClaim(mapClaims, "sub"),
		Email:   stringClaim(mapClaims, "email"),
		Name:    stringClaim(mapClaims, "name"),
	}
	if claims.Name == "" {
		claims.Name = stringClaim(mapClaims, "display_name")
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// verifyRemote asks the provider to validate the token and echo back the user
// it belongs to.
func (v *Verifier) verifyRemote(ctx context.Context, token string) (Claims, error) {
	if v.cfg.URL == "" {
		return Claims{}, ErrInvalidToken
	}

	url := strings.TrimRight(v.cfg.URL, "/") + "/auth/v1/user"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.cfg.APIKey != "" {
		req.Header.Set("apikey", v.cfg.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Claims{}, ErrInvalidToken
	}

	var body struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		UserMetadata map[string]any `json:"user_metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if body.ID == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{Subject: body.ID, Email: body.Email}
	if name, ok := body.UserMetadata["name"].(string); ok {
		claims.Name = name
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return value
}
