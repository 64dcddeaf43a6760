package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CredentialGetter resolves basic-auth credentials for a registry server.
// lib/credential.Helper satisfies this structurally; registry never imports
// that package directly, avoiding a dependency cycle.
type CredentialGetter interface {
	Get(serverURL string) (username, secret string, ok bool, err error)
}

// bearerChallenge is a parsed "WWW-Authenticate: Bearer ..." header.
type bearerChallenge struct {
	Realm   string
	Service string
	Scope   string
}

// parseBearerChallenge parses the comma-separated key="value" pairs from a
// Bearer WWW-Authenticate header value (the "Bearer " prefix already
// stripped by the caller).
func parseBearerChallenge(header string) (bearerChallenge, error) {
	var c bearerChallenge
	for _, part := range splitChallengeParams(header) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.TrimSpace(key) {
		case "realm":
			c.Realm = value
		case "service":
			c.Service = value
		case "scope":
			c.Scope = value
		}
	}
	if c.Realm == "" {
		return bearerChallenge{}, fmt.Errorf("WWW-Authenticate: missing realm in %q", header)
	}
	return c, nil
}

// splitChallengeParams splits a header value like
// `realm="x",service="y",scope="z"` on commas outside of quotes.
func splitChallengeParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}
	return parts
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t tokenResponse) value() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// escalate performs the Bearer auth handshake described by challenge: GET
// the realm with HTTP Basic credentials (if any are available) plus
// service/scope query parameters, and returns the issued token.
func (c *Client) escalate(ctx context.Context, challenge bearerChallenge) (string, error) {
	u, err := url.Parse(challenge.Realm)
	if err != nil {
		return "", fmt.Errorf("parse auth realm: %w", err)
	}
	q := u.Query()
	if challenge.Service != "" {
		q.Set("service", challenge.Service)
	}
	if challenge.Scope != "" {
		q.Set("scope", challenge.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	if c.creds != nil {
		username, secret, ok, err := c.creds.Get(c.serverURL)
		if err != nil {
			return "", fmt.Errorf("resolve credentials: %w", err)
		}
		if ok {
			req.SetBasicAuth(username, secret)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth request to %s returned status %d", challenge.Realm, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode auth token response: %w", err)
	}
	if tr.value() == "" {
		return "", fmt.Errorf("auth response from %s carried no token", challenge.Realm)
	}
	return tr.value(), nil
}

// pullScope and pushScope build the scope strings used both for bearer
// token requests and as cache keys for the acquired token.
func pullScope(imageName string) string { return fmt.Sprintf("repository:%s:pull", imageName) }
func pushScope(imageName string) string { return fmt.Sprintf("repository:%s:pull,push", imageName) }
