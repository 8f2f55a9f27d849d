package racevoice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenExpiry     = 10 * time.Minute
	apiKeyMinLength = 32
	apiKeyPrefix    = "rv_"
)

// SessionToken is a short-lived credential for the websocket handshake.
type SessionToken struct {
	Token     string
	ExpiresAt time.Time
}

func (t *SessionToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// MintSessionToken signs a short-lived HS256 token from the developer API
// key. The key itself never crosses the wire, only its prefix for lookup.
func MintSessionToken(apiKey, sessionKey string) (*SessionToken, error) {
	if len(apiKey) < apiKeyMinLength || !strings.HasPrefix(apiKey, apiKeyPrefix) {
		return nil, NewVoiceError("invalid API key format", ErrCodeAuthFailed)
	}

	expiresAt := time.Now().Add(tokenExpiry)
	claims := jwt.MapClaims{
		"key": apiKey[:8] + "...",
		"sk":  sessionKey,
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(apiKey))
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}

	return &SessionToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// TokenProvider resolves the credential used for the handshake.
type TokenProvider interface {
	SessionToken(sessionKey string) (*SessionToken, error)
}

// LocalTokenProvider mints tokens from the configured API key.
type LocalTokenProvider struct {
	APIKey string
}

func (p *LocalTokenProvider) SessionToken(sessionKey string) (*SessionToken, error) {
	return MintSessionToken(p.APIKey, sessionKey)
}

// EndpointTokenProvider fetches tokens from an HTTP token endpoint and
// caches them until shortly before expiry.
type EndpointTokenProvider struct {
	Endpoint      string
	Headers       map[string]string
	RefreshBuffer time.Duration

	client *http.Client
	cached *SessionToken
}

func NewEndpointTokenProvider(endpoint string, headers map[string]string) *EndpointTokenProvider {
	return &EndpointTokenProvider{
		Endpoint:      endpoint,
		Headers:       headers,
		RefreshBuffer: time.Minute,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *EndpointTokenProvider) SessionToken(sessionKey string) (*SessionToken, error) {
	if p.cached != nil && time.Now().Before(p.cached.ExpiresAt.Add(-p.RefreshBuffer)) {
		return p.cached, nil
	}

	body, err := json.Marshal(map[string]string{"session_key": sessionKey})
	if err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}

	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewVoiceError(fmt.Sprintf("token endpoint returned %s", resp.Status), ErrCodeAuthFailed)
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"` // unix millis
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}
	if payload.Token == "" {
		return nil, NewVoiceError("token endpoint returned no token", ErrCodeAuthFailed)
	}

	p.cached = &SessionToken{
		Token:     payload.Token,
		ExpiresAt: time.UnixMilli(payload.ExpiresAt),
	}
	return p.cached, nil
}
