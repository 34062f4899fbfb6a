package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type RemoteOptions struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RemoteAuthority asks the product API who the credential belongs to and
// whether that user is a member of the workspace.
type RemoteAuthority struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewRemoteAuthority(baseURL string, opts RemoteOptions) *RemoteAuthority {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Second
	}
	return &RemoteAuthority{
		baseURL:    baseURL,
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

type remoteUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (a *RemoteAuthority) Authenticate(ctx context.Context, hs Handshake) (Identity, error) {
	var user remoteUser
	if err := a.getJSON(ctx, "/api/users/me/", hs.Token, &user); err != nil {
		return Identity{}, err
	}
	if strings.TrimSpace(user.ID) == "" {
		return Identity{}, unauthorized("credential did not resolve to a user")
	}
	membershipPath := "/api/workspaces/" + url.PathEscape(hs.WorkspaceID) + "/members/me/"
	if err := a.getJSON(ctx, membershipPath, hs.Token, nil); err != nil {
		if authErr, ok := err.(*AuthError); ok && authErr.Status == http.StatusUnauthorized {
			return Identity{}, forbidden("not a member of workspace")
		}
		return Identity{}, err
	}
	return Identity{UserID: user.ID, DisplayName: user.DisplayName}, nil
}

// getJSON retries transport errors, 429 and 5xx with capped exponential
// backoff. 401, 403 and 404 are rejections.
func (a *RemoteAuthority) getJSON(ctx context.Context, requestPath, token string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+requestPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.AddCookie(&http.Cookie{Name: "session-id", Value: token})

		resp, err := a.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < a.maxRetries {
				if waitErr := waitWithContext(ctx, a.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return unavailable("auth service unreachable", err)
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return unavailable("read auth response", readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return unavailable("decode auth response", err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			return unauthorized("credential rejected")
		case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
			return forbidden("not a member of workspace")
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < a.maxRetries:
			if waitErr := waitWithContext(ctx, a.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		default:
			return unavailable("auth service error", fmt.Errorf("GET %s: http %d", requestPath, resp.StatusCode))
		}
	}
}

func (a *RemoteAuthority) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > a.maxDelay {
			return a.maxDelay
		}
		return retryAfter
	}
	delay := a.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.maxDelay {
			return a.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
