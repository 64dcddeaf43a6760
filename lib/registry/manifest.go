package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/strataimg/strata/lib/imagejson"
)

const acceptManifests = imagejson.MediaTypeManifestV1 + ", " +
	imagejson.MediaTypeManifestV2 + ", " +
	imagejson.MediaTypeOCIManifest

// PullManifest fetches the manifest for ref (a tag or digest), returning
// its raw bytes for the caller to sniff and parse via lib/imagejson.
func (c *Client) PullManifest(ctx context.Context, ref string) ([]byte, error) {
	resp, err := c.do(ctx, pullScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.manifestURL(ref), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", acceptManifests)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, registryErrorFromResponse(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	return raw, nil
}

// PushManifest PUTs raw manifest bytes under tag with the given media type.
func (c *Client) PushManifest(ctx context.Context, raw []byte, mediaType, tag string) error {
	resp, err := c.do(ctx, pushScope(c.imageName), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.manifestURL(tag), bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mediaType)
		req.ContentLength = int64(len(raw))
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("push manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return registryErrorFromResponse(resp)
	}
	return nil
}
