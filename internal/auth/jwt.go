package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const Audience = "relaylive"

type relayClaims struct {
	UserID      string   `json:"user_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Workspaces  []string `json:"workspaces,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthority verifies HS256 tokens signed with a shared secret. Membership
// comes from the workspaces (or workspace_id) claim.
type JWTAuthority struct {
	secret []byte
	now    func() time.Time
}

func NewJWTAuthority(secret string) *JWTAuthority {
	return &JWTAuthority{secret: []byte(secret), now: time.Now}
}

func (a *JWTAuthority) Authenticate(_ context.Context, hs Handshake) (Identity, error) {
	var claims relayClaims
	_, err := jwt.ParseWithClaims(hs.Token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, unauthorized("token expired")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return Identity{}, unauthorized("invalid aud claim")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Identity{}, unauthorized("jwt signature mismatch")
		default:
			return Identity{}, unauthorized("invalid token")
		}
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, unauthorized("missing sub claim")
	}
	if !claims.memberOf(hs.WorkspaceID) {
		return Identity{}, forbidden("not a member of workspace")
	}
	return Identity{UserID: userID, DisplayName: claims.Name}, nil
}

func (c relayClaims) memberOf(workspaceID string) bool {
	if c.WorkspaceID != "" && c.WorkspaceID == workspaceID {
		return true
	}
	for _, ws := range c.Workspaces {
		if ws == workspaceID {
			return true
		}
	}
	return false
}
