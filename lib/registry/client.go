// Package registry implements the client side of the OCI Distribution
// Spec v1.0 / Docker Registry HTTP API v2: manifest pull/push, blob
// existence checks, two-phase blob upload with cross-repo mount, and
// bearer-token auth escalation.
//
// net/http is used directly rather than a higher-level registry client so
// this package owns the exact request sequence the protocol's escalation
// and mount-vs-upload behavior depend on.
package registry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client talks to a single registry server on behalf of a single image
// repository.
type Client struct {
	http      *http.Client
	serverURL string
	imageName string
	creds     CredentialGetter
	insecure  bool

	mu    sync.Mutex
	token map[string]string // scope -> bearer token, cached after first escalation
}

// Options configures a Client.
type Options struct {
	ServerURL      string
	ImageName      string
	Credentials    CredentialGetter
	AllowInsecure  bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// New constructs a Client. ServerURL may omit its scheme, in which case
// https is assumed; a ServerURL with an explicit scheme is used as given.
// AllowInsecure is stored on the Client, but no request falls back from
// https to http.
func New(opts Options) *Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 20 * time.Second
	}
	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 20 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout,
		},
		serverURL: normalizeServerURL(opts.ServerURL),
		imageName: opts.ImageName,
		creds:     opts.Credentials,
		insecure:  opts.AllowInsecure,
		token:     make(map[string]string),
	}
}

func normalizeServerURL(s string) string {
	if strings.Contains(s, "://") {
		return strings.TrimSuffix(s, "/")
	}
	return "https://" + s
}

func (c *Client) blobsURL(digestOrEmpty string) string {
	if digestOrEmpty == "" {
		return fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.serverURL, c.imageName)
	}
	return fmt.Sprintf("%s/v2/%s/blobs/%s", c.serverURL, c.imageName, digestOrEmpty)
}

func (c *Client) manifestURL(ref string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.serverURL, c.imageName, url.PathEscape(ref))
}

// requestBuilder constructs a fresh *http.Request; it's called once per
// attempt so retries and auth-escalation retries can resend a body.
type requestBuilder func(ctx context.Context) (*http.Request, error)

// do executes build, retrying transient failures (per the retry policy)
// and performing a single bearer-token escalation on 401 before giving up.
// scope is the auth scope to request/cache a token under (pullScope or
// pushScope).
func (c *Client) do(ctx context.Context, scope string, build requestBuilder) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		resp, err := c.attemptWithAuth(ctx, scope, build)
		if err == nil && !isTransient(resp, nil) {
			return resp, nil
		}
		if err != nil && !isTransient(nil, err) {
			return nil, err
		}
		if resp != nil {
			resp.Body.Close()
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("transient registry error")
		}
	}
	return nil, fmt.Errorf("registry request failed after %d attempts: %w", maxAttempts, lastErr)
}

// attemptWithAuth sends one request, escalating exactly once on a 401
// challenge before failing with AuthenticationFailedError.
func (c *Client) attemptWithAuth(ctx context.Context, scope string, build requestBuilder) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req, scope)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	challengeHeader := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(challengeHeader, "Bearer ") {
		return nil, &AuthenticationFailedError{Scope: scope}
	}
	challenge, err := parseBearerChallenge(strings.TrimPrefix(challengeHeader, "Bearer "))
	if err != nil {
		return nil, fmt.Errorf("parse auth challenge: %w", err)
	}
	if challenge.Scope == "" {
		challenge.Scope = scope
	}

	token, err := c.escalate(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("auth escalation: %w", err)
	}
	c.mu.Lock()
	c.token[scope] = token
	c.mu.Unlock()

	req2, err := build(ctx)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req2, scope)

	resp2, err := c.http.Do(req2)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		resp2.Body.Close()
		return nil, &AuthenticationFailedError{Scope: scope}
	}
	return resp2, nil
}

func (c *Client) applyAuth(req *http.Request, scope string) {
	c.mu.Lock()
	token, ok := c.token[scope]
	c.mu.Unlock()
	if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
