package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/battery-aggregator-bfa/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var authTracer = otel.Tracer("service/auth")

const (
	operatorSubject   = "operator"
	maxFailedAttempts = 5
	lockDuration      = 15 * time.Minute
)

// OperatorClaims are the claims of an operator access token.
type OperatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// OperatorAuth issues and validates bearer tokens for the operator routes
// (reset, clear, schedule). There is a single operator whose bcrypt password
// hash comes from configuration.
type OperatorAuth struct {
	passwordHash []byte
	jwtSecret    []byte
	accessTTL    time.Duration
	now          func() time.Time
	logger       *zap.Logger

	mu          sync.Mutex
	failed      int
	lockedUntil time.Time
}

// NewOperatorAuth creates the operator auth service.
func NewOperatorAuth(passwordHash, jwtSecret string, accessTTL time.Duration, logger *zap.Logger) *OperatorAuth {
	return &OperatorAuth{
		passwordHash: []byte(passwordHash),
		jwtSecret:    []byte(jwtSecret),
		accessTTL:    accessTTL,
		now:          time.Now,
		logger:       logger,
	}
}

// Enabled reports whether an operator password is configured.
func (s *OperatorAuth) Enabled() bool {
	return len(s.passwordHash) > 0 && len(s.jwtSecret) > 0
}

// IssueToken checks the operator password and returns a signed access token.
// Repeated failures lock the login for a while.
func (s *OperatorAuth) IssueToken(ctx context.Context, req *domain.TokenRequest) (*domain.TokenResponse, error) {
	_, span := authTracer.Start(ctx, "OperatorAuth.IssueToken")
	defer span.End()

	if !s.Enabled() {
		return nil, &domain.ErrUnauthorized{Message: "operator login is disabled"}
	}
	if req.Password == "" {
		return nil, &domain.ErrValidation{Field: "password", Message: "required"}
	}

	now := s.now()
	s.mu.Lock()
	if now.Before(s.lockedUntil) {
		s.mu.Unlock()
		return nil, &domain.ErrUnauthorized{Message: "too many failed attempts, try again later"}
	}
	s.mu.Unlock()

	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(req.Password)); err != nil {
		s.mu.Lock()
		s.failed++
		if s.failed >= maxFailedAttempts {
			s.lockedUntil = now.Add(lockDuration)
			s.failed = 0
			s.logger.Warn("operator login locked", zap.Time("until", s.lockedUntil))
		}
		s.mu.Unlock()
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}

	s.mu.Lock()
	s.failed = 0
	s.mu.Unlock()

	claims := OperatorClaims{
		Scope: "battery:admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorSubject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    "battery-aggregator-bfa",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	s.logger.Info("operator token issued", zap.String("operator", req.Operator), zap.String("jti", claims.ID))
	return &domain.TokenResponse{
		AccessToken: signed,
		ExpiresIn:   int(s.accessTTL.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// ValidateAccessToken parses and checks an operator token.
func (s *OperatorAuth) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Subject != operatorSubject {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return claims, nil
}
