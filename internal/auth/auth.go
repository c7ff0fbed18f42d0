// Package auth issues and validates short-lived agent connection tokens.
//
// Agents first POST to the auth endpoint to obtain a token, then present it
// during the WebSocket upgrade. Token requests are rate limited per client IP.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/metrics"
)

var (
	// ErrRateLimited is returned when an IP has exhausted its token attempts.
	ErrRateLimited = errors.New("auth: rate limited")
	// ErrInvalidToken is returned for malformed or badly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned for tokens past their expiry.
	ErrExpiredToken = errors.New("auth: token expired")
)

// ConnectionClaims are the JWT claims carried by a connection token.
type ConnectionClaims struct {
	Hostname string `json:"hostname"`
	SourceIP string `json:"source_ip,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and validates connection tokens.
type Service struct {
	log     zerolog.Logger
	secret  []byte
	ttl     time.Duration
	limiter *RateLimiter
}

// New creates the auth service.
func New(secret []byte, ttl time.Duration, limiter *RateLimiter, log zerolog.Logger) *Service {
	return &Service{
		log:     log.With().Str("component", "auth").Logger(),
		secret:  secret,
		ttl:     ttl,
		limiter: limiter,
	}
}

// TokenTTL returns the configured token lifetime.
func (s *Service) TokenTTL() time.Duration { return s.ttl }

// RetryAfter returns the remaining lockout for an IP.
func (s *Service) RetryAfter(ip string) time.Duration {
	return s.limiter.RetryAfter(ip)
}

// IssueToken mints a connection token for the hostname, counting the request
// against the IP's rate limit.
func (s *Service) IssueToken(hostname, sourceIP string) (string, error) {
	if !s.limiter.Allow(sourceIP) {
		metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
		s.log.Warn().Str("ip", sourceIP).Str("hostname", hostname).Msg("token request rate limited")
		return "", ErrRateLimited
	}

	now := time.Now()
	claims := ConnectionClaims{
		Hostname: hostname,
		SourceIP: sourceIP,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   hostname,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	metrics.AuthTokensIssued.Inc()
	s.log.Debug().Str("hostname", hostname).Str("ip", sourceIP).Msg("connection token issued")
	return signed, nil
}

// ValidateToken checks signature and expiry and returns the claims. A valid
// token resets the presenting IP's rate-limit bucket.
func (s *Service) ValidateToken(tokenString, sourceIP string) (*ConnectionClaims, error) {
	claims := &ConnectionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			metrics.AuthFailures.WithLabelValues("expired").Inc()
			return nil, ErrExpiredToken
		}
		metrics.AuthFailures.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		metrics.AuthFailures.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidToken
	}

	// Tokens are bound to the IP they were issued to. A replayed token
	// presented from elsewhere is rejected.
	if claims.SourceIP != "" && sourceIP != "" && claims.SourceIP != sourceIP {
		s.log.Warn().
			Str("issued_to", claims.SourceIP).
			Str("presented_from", sourceIP).
			Str("hostname", claims.Hostname).
			Msg("token presented from different ip")
		metrics.AuthFailures.WithLabelValues("ip_mismatch").Inc()
		return nil, fmt.Errorf("%w: token bound to another address", ErrInvalidToken)
	}

	s.limiter.Reset(sourceIP)
	return claims, nil
}
