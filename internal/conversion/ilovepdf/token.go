package ilovepdf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/master9x68/whisper-api/pkg/logger"
)

const (
	// tokenLifetime is the lifetime of self signed tokens and the assumed
	// lifetime of tokens issued by the auth endpoint
	tokenLifetime = time.Hour
	// tokenRefreshMargin renews a cached token before it actually expires
	tokenRefreshMargin = time.Minute
)

// tokenCache holds a bearer token with its expiry
type tokenCache struct {
	token     string
	expiresAt time.Time
	mu        sync.RWMutex
}

// get returns the cached token, or "" when it is missing or about to expire
func (tc *tokenCache) get(now time.Time) string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if tc.token == "" || now.Add(tokenRefreshMargin).After(tc.expiresAt) {
		return ""
	}
	return tc.token
}

func (tc *tokenCache) set(token string, expiresAt time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = token
	tc.expiresAt = expiresAt
}

func (tc *tokenCache) invalidate() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = ""
	tc.expiresAt = time.Time{}
}

// token returns a valid bearer token, signing or requesting a new one when needed
func (c *Client) token(ctx context.Context) (string, error) {
	now := c.now()
	if token := c.tokens.get(now); token != "" {
		return token, nil
	}

	var (
		token string
		err   error
	)
	if c.config.SecretKey != "" {
		token, err = signToken(c.config.PublicKey, c.config.SecretKey, now)
	} else {
		token, err = c.requestToken(ctx)
	}
	if err != nil {
		return "", err
	}

	c.tokens.set(token, now.Add(tokenLifetime))
	c.logger.Debug("Obtained API token",
		logger.Bool("self_signed", c.config.SecretKey != ""),
		logger.Time("expires_at", now.Add(tokenLifetime)))
	return token, nil
}

// signToken builds an HS256 JWT the way the service expects from project key pairs
func signToken(publicKey, secretKey string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "",
		"aud": "",
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
		"jti": publicKey,
	})
	signed, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// requestToken exchanges the public key for a token at the auth endpoint
func (c *Client) requestToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"public_key": c.config.PublicKey})
	if err != nil {
		return "", err
	}

	resp, err := c.doWithRetry(ctx, "auth", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("error decoding auth response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("auth response did not contain a token")
	}
	return out.Token, nil
}
