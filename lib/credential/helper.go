// Package credential implements the docker-credential-helper subprocess
// protocol: spawn `docker-credential-<name> get`, write the registry server
// URL to its stdin, and parse the JSON credential (or identity token) it
// prints to stdout.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// notFoundMarker is the exact stderr text a conforming helper prints when
// it has no credential for the requested server — not an error condition.
const notFoundMarker = "credentials not found"

// identityTokenUsername is the sentinel Username value a helper returns
// when Secret is actually an OAuth2 identity token rather than a password.
const identityTokenUsername = "<token>"

// Credential is what a helper resolved for one registry server.
type Credential struct {
	Username string
	Secret   string
	// IsIdentityToken is true when Secret is an identity token (the helper
	// returned Username == "<token>"), not a plain password.
	IsIdentityToken bool
}

// Helper spawns docker-credential-<name> to resolve credentials. It
// satisfies lib/registry.CredentialGetter structurally.
type Helper struct {
	name string
	// run is overridable in tests; defaults to actually exec'ing the helper.
	run func(ctx context.Context, serverURL string) ([]byte, []byte, error)
}

// New returns a Helper that spawns the docker-credential-<name> binary.
func New(name string) *Helper {
	h := &Helper{name: name}
	h.run = h.exec
	return h
}

func (h *Helper) exec(ctx context.Context, serverURL string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "docker-credential-"+h.name, "get")
	cmd.Stdin = strings.NewReader(serverURL)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type helperResponse struct {
	Username string `json:"Username"`
	Secret   string `json:"Secret"`
}

// Resolve spawns the helper for serverURL and parses its response. A
// missing credential (the "credentials not found" stderr marker) is
// reported as (Credential{}, false, nil) — not an error.
func (h *Helper) Resolve(ctx context.Context, serverURL string) (Credential, bool, error) {
	stdout, stderr, err := h.run(ctx, serverURL)
	if err != nil {
		if strings.Contains(string(stderr), notFoundMarker) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("docker-credential-%s get: %w (stderr: %s)", h.name, err, strings.TrimSpace(string(stderr)))
	}

	var resp helperResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return Credential{}, false, fmt.Errorf("parse docker-credential-%s response: %w", h.name, err)
	}

	return Credential{
		Username:        resp.Username,
		Secret:          resp.Secret,
		IsIdentityToken: resp.Username == identityTokenUsername,
	}, true, nil
}

// Get implements lib/registry.CredentialGetter: (username, secret) suitable
// for HTTP Basic auth. An identity token is surfaced as Secret with an
// empty Username, matching how registries expect identity-token basic auth
// (username ignored, password carries the token).
func (h *Helper) Get(serverURL string) (username, secret string, ok bool, err error) {
	cred, found, err := h.Resolve(context.Background(), serverURL)
	if err != nil || !found {
		return "", "", false, err
	}
	if cred.IsIdentityToken {
		return "", cred.Secret, true, nil
	}
	return cred.Username, cred.Secret, true, nil
}
