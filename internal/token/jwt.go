package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goatkit/sessionclock/internal/config"
	"github.com/goatkit/sessionclock/internal/models"
)

// FromJWT derives a SessionToken from the expiry metadata of an
// already-issued JWT. Only the claims are read; signature verification
// stays with the issuer. The iat claim anchors the session start and
// exp caps the absolute expiry, clamped to the configured absolute
// timeout.
func FromJWT(raw string, cfg *config.Clock, now time.Time) (*models.SessionToken, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	start := now
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		start = iat.Time
	}

	// Idle expiry runs from now, not from issuance; an old iat only
	// anchors the absolute lifetime.
	tok := &models.SessionToken{
		SessionStartTime: start,
		IdleExpiry:       now.Add(cfg.IdleTimeout),
		AbsoluteExpiry:   start.Add(cfg.AbsoluteTimeout),
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if exp.Time.Before(tok.AbsoluteExpiry) {
			tok.AbsoluteExpiry = exp.Time
		}
	}

	if !tok.Valid() || !now.Before(tok.AbsoluteExpiry) {
		return nil, ErrInvalidToken
	}
	return tok, nil
}
