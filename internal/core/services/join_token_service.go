package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"teleconsulta/internal/core/domain"
	"teleconsulta/internal/core/ports"
	"teleconsulta/pkg/retry"
	"teleconsulta/pkg/tracing"
	"teleconsulta/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidName  = errors.New("invalid participant name")
)

// JoinTokenService mints the credentials the relay accepts for a room.
type JoinTokenService interface {
	Issue(ctx context.Context, req ports.TokenRequest) (*domain.Credential, error)
	Validate(tokenString string) (*JoinClaims, error)
	ActiveIssuances(ctx context.Context, room domain.RoomName) ([]*domain.Issuance, error)
}

// JoinClaims grant one identity access to one room.
type JoinClaims struct {
	Room     domain.RoomName `json:"room"`
	Identity string          `json:"identity"`
	Name     string          `json:"name"`
	jwt.RegisteredClaims
}

// recordRetry covers the registry write. A cancelled request is not retried.
var recordRetry = retry.Config{
	Enabled:      true,
	MaxAttempts:  2,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2,
	Retryable: func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	},
}

type JoinTokenConfig struct {
	Secret   string
	TTL      time.Duration
	Issuer   string
	RelayURL string
}

type joinTokenService struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	relayURL string
	repo     ports.IssuanceRepository // Optional, can be nil
	record   retry.Config
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewJoinTokenService(cfg JoinTokenConfig, repo ports.IssuanceRepository, logger *zap.SugaredLogger) JoinTokenService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &joinTokenService{
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		relayURL: cfg.RelayURL,
		repo:     repo,
		record:   recordRetry,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *joinTokenService) Issue(ctx context.Context, req ports.TokenRequest) (*domain.Credential, error) {
	raw := strings.TrimSpace(string(req.RoomName))
	if err := domain.ValidateIdentifier(raw); err != nil {
		return nil, err
	}
	room := domain.CanonicalRoomName(raw)
	if err := validation.ValidateRoomName(string(room)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}
	name := strings.TrimSpace(req.ParticipantName)
	if err := validation.ValidateParticipantName(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	now := s.now()
	identity := uuid.NewString()
	claims := &JoinClaims{
		Room:     room,
		Identity: identity,
		Name:     name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   identity,
			Audience:  jwt.ClaimStrings{string(room)},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("sign join token: %w", err)
	}
	tracing.AddSpanAttributes(ctx, tracing.RoomNameKey.String(string(room)), tracing.ParticipantKey.String(name))

	if s.repo != nil {
		issuance := &domain.Issuance{
			ID:          claims.ID,
			RoomName:    room,
			Identity:    identity,
			Participant: name,
			IssuedAt:    now,
			ExpiresAt:   now.Add(s.ttl),
		}
		attempts := 0
		err := retry.Retry(ctx, s.record, func() error {
			attempts++
			return s.repo.Record(ctx, issuance)
		})
		tracing.AddSpanAttributes(ctx, tracing.AttemptKey.Int(attempts))
		// Registry failures do not fail the request.
		if err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Warnw("failed to record issuance", "room_name", room, "attempts", attempts, "error", err)
		}
	}

	s.logger.Infow("join token issued", "room_name", room, "identity", identity)
	return &domain.Credential{Token: signed, RelayURL: s.relayURL, RoomName: room}, nil
}

func (s *joinTokenService) Validate(tokenString string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*JoinClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *joinTokenService) ActiveIssuances(ctx context.Context, room domain.RoomName) ([]*domain.Issuance, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListActive(ctx, domain.CanonicalRoomName(string(room)))
}
