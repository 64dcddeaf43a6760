package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/strataimg/strata/lib/digest"
)

// CheckBlob performs a HEAD request for digest, returning its descriptor if
// present, or (nil, nil) on 404.
func (c *Client) CheckBlob(ctx context.Context, d digest.Digest) (*digest.BlobDescriptor, error) {
	resp, err := c.do(ctx, pullScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, c.blobsURL(d.String()), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return &digest.BlobDescriptor{Size: resp.ContentLength, Digest: d}, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, registryErrorFromResponse(resp)
	}
}

// PullBlob streams digest's content into w, verifying the content's own
// computed digest equals digest before returning successfully.
func (c *Client) PullBlob(ctx context.Context, d digest.Digest, w io.Writer) error {
	resp, err := c.do(ctx, pullScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.blobsURL(d.String()), nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return registryErrorFromResponse(resp)
	}

	sink := digest.NewHashingSink(w)
	if _, err := io.Copy(sink, resp.Body); err != nil {
		return fmt.Errorf("pull blob %s: %w", d, err)
	}
	got := sink.Descriptor().Digest
	if !got.Equal(d) {
		return &UnexpectedDigestError{Expected: d.String(), Got: got.String()}
	}
	return nil
}

// PushBlob uploads blob under the given descriptor. If mountFrom names a
// source repository on the same server, a cross-repo mount is attempted
// first; on success no bytes are transferred for this blob at all.
func (c *Client) PushBlob(ctx context.Context, desc digest.BlobDescriptor, blob digest.Blob, mountFrom string) error {
	if mountFrom != "" {
		mounted, err := c.tryMount(ctx, desc.Digest, mountFrom)
		if err != nil {
			return err
		}
		if mounted {
			return nil
		}
	}

	uploadURL, err := c.startUpload(ctx)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, pushScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		// A fresh pipe and writer goroutine per call: build is invoked once
		// per retry attempt and again on auth escalation, and an already
		// drained pipe from a prior call would send an empty body.
		pr, pw := io.Pipe()
		go func() {
			_, err := blob.WriteTo(pw)
			pw.CloseWithError(err)
		}()

		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, pr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("push blob %s (patch): %w", desc.Digest, err)
	}
	finalizeURL := resp.Header.Get("Location")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return registryErrorFromResponse(resp)
	}
	if finalizeURL == "" {
		finalizeURL = uploadURL
	}

	finalURL, err := resolveLocation(c.serverURL, finalizeURL)
	if err != nil {
		return err
	}
	finalURL = appendQuery(finalURL, "digest", desc.Digest.String())

	resp2, err := c.do(ctx, pushScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPut, finalURL, nil)
	})
	if err != nil {
		return fmt.Errorf("push blob %s (put): %w", desc.Digest, err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusCreated {
		return registryErrorFromResponse(resp2)
	}
	return nil
}

// tryMount attempts a cross-repo blob mount, returning true if the registry
// accepted it (201, no bytes transferred).
func (c *Client) tryMount(ctx context.Context, d digest.Digest, fromRepo string) (bool, error) {
	u := fmt.Sprintf("%s?mount=%s&from=%s", c.blobsURL(""), url.QueryEscape(d.String()), url.QueryEscape(fromRepo))
	resp, err := c.do(ctx, pushScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		// Registry declined the mount and started a normal upload session
		// instead; the caller falls back to the two-phase upload.
		return false, nil
	default:
		return false, registryErrorFromResponse(resp)
	}
}

// startUpload opens a fresh upload session and returns its Location URL.
func (c *Client) startUpload(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, pushScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.blobsURL(""), nil)
	})
	if err != nil {
		return "", fmt.Errorf("start blob upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", registryErrorFromResponse(resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("start blob upload: response carried no Location")
	}
	return resolveLocation(c.serverURL, location)
}

func resolveLocation(serverURL, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("empty upload location")
	}
	if location[0] == '/' {
		return serverURL + location, nil
	}
	return location, nil
}

func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if containsRune(rawURL, '?') {
		sep = "&"
	}
	return rawURL + sep + key + "=" + url.QueryEscape(value)
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

func registryErrorFromResponse(resp *http.Response) error {
	var body struct {
		Errors []ErrorEntry `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.Errors) == 0 {
		return &RegistryError{StatusCode: resp.StatusCode, Entries: []ErrorEntry{{Code: "UNKNOWN", Message: resp.Status}}}
	}
	return &RegistryError{StatusCode: resp.StatusCode, Entries: body.Errors}
}
