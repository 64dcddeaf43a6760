package registry

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const maxAttempts = 3

// backoff returns the delay before retry attempt n (0-indexed): 100ms * 2^n
// plus up to 50ms of jitter, per spec.
func backoff(n int) time.Duration {
	base := 100 * time.Millisecond * time.Duration(1<<uint(n))
	jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
	return base + jitter
}

// isTransient reports whether resp/err warrant a retry: connection errors,
// or any 5xx status except 501 Not Implemented (which indicates the
// registry doesn't support the requested operation at all, not a transient
// failure).
func isTransient(resp *http.Response, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		return errors.Is(err, io.ErrUnexpectedEOF)
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented
}
