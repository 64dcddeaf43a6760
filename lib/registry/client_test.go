package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataimg/strata/lib/digest"
)

func newTestClient(t *testing.T, srv *httptest.Server, creds CredentialGetter) *Client {
	t.Helper()
	return New(Options{
		ServerURL:   srv.URL,
		ImageName:   "library/app",
		Credentials: creds,
	})
}

func TestCheckBlob_Present(t *testing.T) {
	d, err := digest.FromHash(fmt.Sprintf("%064d", 1))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/blobs/"+d.String(), func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	desc, err := c.CheckBlob(context.Background(), d)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, d.String(), desc.Digest.String())
}

func TestCheckBlob_NotFound(t *testing.T) {
	d, err := digest.FromHash(fmt.Sprintf("%064d", 2))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/blobs/"+d.String(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	desc, err := c.CheckBlob(context.Background(), d)
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestPullBlob_VerifiesDigest(t *testing.T) {
	content := []byte("layer bytes")
	sink := digest.NewCountingDigestSink()
	_, err := sink.Write(content)
	require.NoError(t, err)
	wantDigest := sink.Descriptor().Digest

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/blobs/"+wantDigest.String(), func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	var buf bytes.Buffer
	err = c.PullBlob(context.Background(), wantDigest, &buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
}

func TestPullBlob_DigestMismatch(t *testing.T) {
	wrong, err := digest.FromHash(fmt.Sprintf("%064d", 3))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/blobs/"+wrong.String(), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not what was requested"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	var buf bytes.Buffer
	err = c.PullBlob(context.Background(), wrong, &buf)
	require.Error(t, err)
	var mismatch *UnexpectedDigestError
	require.ErrorAs(t, err, &mismatch)
}

func TestPushBlob_CrossRepoMount_NoPatchBytes(t *testing.T) {
	content := []byte("base layer shared across repos")
	sink := digest.NewCountingDigestSink()
	_, err := sink.Write(content)
	require.NoError(t, err)
	d := sink.Descriptor().Digest

	patchCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, d.String(), r.URL.Query().Get("mount"))
			assert.Equal(t, "library/base", r.URL.Query().Get("from"))
			w.WriteHeader(http.StatusCreated)
		case http.MethodPatch:
			patchCalled = true
			w.WriteHeader(http.StatusAccepted)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err = c.PushBlob(context.Background(), digest.BlobDescriptor{Size: int64(len(content)), Digest: d}, digest.BytesBlob{Data: content}, "library/base")
	require.NoError(t, err)
	assert.False(t, patchCalled, "cross-repo mount must not fall back to a PATCH upload")
}

func TestPushBlob_TwoPhaseUpload(t *testing.T) {
	content := []byte("freshly built application layer")
	sink := digest.NewCountingDigestSink()
	_, err := sink.Write(content)
	require.NoError(t, err)
	d := sink.Descriptor().Digest

	var patchedBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/library/app/blobs/uploads/session-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/library/app/blobs/uploads/session-1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			patchedBody = body
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			assert.Equal(t, d.String(), r.URL.Query().Get("digest"))
			w.WriteHeader(http.StatusCreated)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	err = c.PushBlob(context.Background(), digest.BlobDescriptor{Size: int64(len(content)), Digest: d}, digest.BytesBlob{Data: content}, "")
	require.NoError(t, err)
	assert.Equal(t, content, patchedBody)
}

func TestAuthEscalation(t *testing.T) {
	authCalls := 0
	var authMux http.ServeMux
	authMux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		assert.Equal(t, "r", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:library/app:pull", r.URL.Query().Get("scope"))
		fmt.Fprint(w, `{"token":"T"}`)
	})
	authSrv := httptest.NewServer(&authMux)
	defer authSrv.Close()

	firstRequest := true
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if firstRequest {
			firstRequest = false
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="r",scope="repository:library/app:pull"`, authSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer T", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	raw, err := c.PullManifest(context.Background(), "latest")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "schemaVersion")
	assert.Equal(t, 1, authCalls)
}

func TestAuthEscalation_SecondUnauthorizedFails(t *testing.T) {
	var authMux http.ServeMux
	authMux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token":"T"}`)
	})
	authSrv := httptest.NewServer(&authMux)
	defer authSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/app/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="r",scope="repository:library/app:pull"`, authSrv.URL))
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.PullManifest(context.Background(), "latest")
	require.Error(t, err)
	var authErr *AuthenticationFailedError
	require.ErrorAs(t, err, &authErr)
}
