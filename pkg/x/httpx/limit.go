package httpx

import (
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"
)

// limitedRoundTripper bounds concurrent requests; the slot is released once
// the response body is closed (or immediately when the round trip fails).
type limitedRoundTripper struct {
	next http.RoundTripper
	sem  *semaphore.Weighted
}

func (t *limitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.sem.Acquire(req.Context(), 1); err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.sem.Release(1)
		return nil, err
	}
	if resp.Body == nil {
		t.sem.Release(1)
		return resp, nil
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: func() { t.sem.Release(1) }}
	return resp, nil
}

func (t *limitedRoundTripper) CloseIdleConnections() {
	closeIdle(t.next)
}

type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
