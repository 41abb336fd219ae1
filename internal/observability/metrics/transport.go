package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// Transport instruments outgoing backend requests with Prometheus metrics.
// The endpoint label uses the URL path rather than the full query so the
// cardinality stays bounded.
type Transport struct {
	Next http.RoundTripper
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}

	start := time.Now()
	resp, err := next.RoundTrip(r)
	dur := time.Since(start)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	ObserveBackendRequest(r.Method, r.URL.Path, status, dur)

	return resp, err
}
