// Package session gates every account cycle on its bearer credential: the
// embedded expiry claim is checked locally, then the profile endpoint confirms
// the server still accepts the token.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ndt-reporter/pkg/fetch"
	"ndt-reporter/pkg/models"
)

var (
	// ErrExpired means the credential's exp claim falls inside the safety margin
	ErrExpired = errors.New("credential expired")
	// ErrInvalid means the credential could not be decoded or the server refused it
	ErrInvalid = errors.New("invalid token")
)

// DefaultExpiryMargin absorbs clock skew and in-flight request latency
const DefaultExpiryMargin = 90 * time.Second

// ExpiresAt decodes the token's exp claim without verifying the signature.
// The server remains the authority on signature validity.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrInvalid)
	}
	return exp.Time, nil
}

// CheckClaims fails with ErrExpired when exp - margin is already in the past
func CheckClaims(token string, now time.Time, margin time.Duration) error {
	exp, err := ExpiresAt(token)
	if err != nil {
		return err
	}
	if exp.Add(-margin).Before(now) {
		return fmt.Errorf("%w: expired at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// Acquirer hands out an egress handle for the next request
type Acquirer interface {
	Acquire(ctx context.Context, maxRetries int) (*fetch.Handle, error)
}

type Gate struct {
	acquirer   Acquirer
	maxRetries int
	profileURL string
	margin     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewGate(acquirer Acquirer, maxRetries int, profileURL string, margin time.Duration, logger *slog.Logger) *Gate {
	if margin == 0 {
		margin = DefaultExpiryMargin
	}
	return &Gate{
		acquirer:   acquirer,
		maxRetries: maxRetries,
		profileURL: profileURL,
		margin:     margin,
		logger:     logger,
		now:        time.Now,
	}
}

type profileResponse struct {
	Data *models.Profile `json:"data"`
}

// Validate checks the claims and then fetches the profile. No request is made
// when the claim check fails.
func (g *Gate) Validate(ctx context.Context, credential string) (*models.Profile, error) {
	if err := CheckClaims(credential, g.now(), g.margin); err != nil {
		return nil, err
	}

	h, err := g.acquirer.Acquire(ctx, g.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transport for profile: %w", err)
	}

	req, err := h.NewRequest(ctx, http.MethodGet, g.profileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	result, err := h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	if !result.OK() {
		return nil, fmt.Errorf("%w: profile returned %s", ErrInvalid, result.Response.Status)
	}

	var body profileResponse
	if err := json.Unmarshal(result.Body, &body); err != nil {
		g.logger.Debug("profile body not decodable", "error", err)
	}
	profile := &models.Profile{}
	if body.Data != nil {
		profile = body.Data
	}

	g.logger.Debug("credential accepted", "username", profile.Username, "email", profile.Email)
	return profile, nil
}
