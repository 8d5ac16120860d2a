// Package tokenclient fetches join credentials from the token endpoint.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	"teleconsulta/pkg/circuitbreaker"
	"teleconsulta/pkg/tracing"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	tokenPath    = "/session/token"
	maxBodyBytes = 64 << 10
)

// StatusError is a non-2xx answer from the token endpoint. The response
// body is kept as the message.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, msg)
}

func (e *StatusError) Unwrap() error { return domain.ErrTokenAcquisition }

type Config struct {
	// Endpoint is the token server base URL.
	Endpoint string
	Timeout  time.Duration
	Breaker  circuitbreaker.Config
}

type Client struct {
	endpoint string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	now      func() time.Time
	logger   *zap.SugaredLogger
}

var _ ports.TokenFetcher = (*Client)(nil)

func New(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bcfg := cfg.Breaker
	if bcfg.FailureThreshold <= 0 {
		bcfg = circuitbreaker.DefaultConfig()
	}
	// The endpoint refusing a request says nothing about its health.
	bcfg.IsFailure = func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode >= http.StatusInternalServerError
		}
		return !errors.Is(err, context.Canceled)
	}

	breaker := circuitbreaker.New(bcfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("token endpoint breaker changed state", "from", from.String(), "to", to.String())
	})

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		now:      time.Now,
		logger:   logger,
	}
}

type tokenResponse struct {
	Token    string `json:"token"`
	RelayURL string `json:"relayUrl"`
	RoomName string `json:"roomName"`
}

// FetchToken posts the request to the token endpoint. Every failure wraps
// domain.ErrTokenAcquisition.
func (c *Client) FetchToken(ctx context.Context, req ports.TokenRequest) (*domain.Credential, error) {
	ctx, span := tracing.TraceTokenRequest(ctx, string(req.RoomName), req.ParticipantName)

	cred, err := circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (*domain.Credential, error) {
		return c.fetch(ctx, req)
	})
	if err != nil && !errors.Is(err, domain.ErrTokenAcquisition) {
		err = fmt.Errorf("%w: %w", domain.ErrTokenAcquisition, err)
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (c *Client) fetch(ctx context.Context, req ports.TokenRequest) (*domain.Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+tokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if tr.Token == "" || tr.RelayURL == "" {
		return nil, errors.New("response is missing token or relayUrl")
	}

	room := req.RoomName
	if tr.RoomName != "" {
		room = domain.CanonicalRoomName(tr.RoomName)
	}
	if exp, ok := ExpiresAt(tr.Token); ok {
		if !exp.After(c.now()) {
			return nil, fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
		}
		c.logger.Debugw("session token received", "room_name", room, "expires_at", exp)
	}

	return &domain.Credential{Token: tr.Token, RelayURL: tr.RelayURL, RoomName: room}, nil
}

// ExpiresAt reads the exp claim without verifying the signature; only the
// relay can verify it.
func ExpiresAt(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// BreakerState reports the endpoint circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}
