// Package auth validates relay connection credentials and workspace
// membership before a socket is allowed to join.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var ErrAuthRejected = errors.New("authentication rejected")

// AuthError is a rejection carrying the HTTP status the handshake should fail with.
type AuthError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthRejected
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func unauthorized(message string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: message}
}

func forbidden(message string) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Code: "forbidden", Message: message}
}

func unavailable(message string, err error) *AuthError {
	return &AuthError{Status: http.StatusServiceUnavailable, Code: "auth_unavailable", Message: message, Err: err}
}

type Handshake struct {
	Token       string
	WorkspaceID string
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	WorkspaceID string `json:"workspace_id"`
}

// Authority resolves a credential to an identity and enforces membership of
// the handshake's workspace.
type Authority interface {
	Authenticate(ctx context.Context, hs Handshake) (Identity, error)
}

const defaultTimeout = 5 * time.Second

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relaylive_auth_decisions_total",
	Help: "Relay handshake authentication decisions, by outcome.",
}, []string{"result"})

// Gate bounds every authentication by a timeout and normalizes failures to
// *AuthError.
type Gate struct {
	authority Authority
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewGate(authority Authority, timeout time.Duration, logger zerolog.Logger) *Gate {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gate{
		authority: authority,
		timeout:   timeout,
		logger:    logger.With().Str("component", "auth").Logger(),
	}
}

func (g *Gate) Authenticate(ctx context.Context, hs Handshake) (Identity, error) {
	hs.Token = strings.TrimSpace(hs.Token)
	hs.WorkspaceID = strings.TrimSpace(hs.WorkspaceID)
	if hs.Token == "" {
		decisionsTotal.WithLabelValues("rejected").Inc()
		return Identity{}, unauthorized("missing credential")
	}
	if hs.WorkspaceID == "" {
		decisionsTotal.WithLabelValues("rejected").Inc()
		return Identity{}, forbidden("workspace is required")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	identity, err := g.authority.Authenticate(ctx, hs)
	if err == nil {
		identity.WorkspaceID = hs.WorkspaceID
		decisionsTotal.WithLabelValues("accepted").Inc()
		return identity, nil
	}

	var authErr *AuthError
	switch {
	case errors.As(err, &authErr):
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		authErr = unavailable("authentication timed out", err)
	default:
		authErr = unavailable("authentication failed", err)
	}
	if authErr.Status >= 500 {
		decisionsTotal.WithLabelValues("error").Inc()
		g.logger.Warn().Err(err).Str("workspace_id", hs.WorkspaceID).Msg("authority unavailable")
	} else {
		decisionsTotal.WithLabelValues("rejected").Inc()
		g.logger.Debug().Str("workspace_id", hs.WorkspaceID).Str("reason", authErr.Message).Msg("handshake rejected")
	}
	return Identity{}, authErr
}

// TokenFromRequest reads the credential from the bearer header, the token
// query parameter, or the session cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie("session-id"); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
