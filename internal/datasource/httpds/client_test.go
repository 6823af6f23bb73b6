package httpds

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastClient(retries int) *Client {
	return NewClient(Config{MaxRetries: retries, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

// statusServer answers with codes in order, then 200 with body.
func statusServer(t *testing.T, body string, codes ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1)) - 1
		if n < len(codes) {
			w.WriteHeader(codes[n])
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{InsecureSkipVerify: true, MaxRetries: -2})
	assert.Equal(t, 0, c.maxRetries)
	assert.Equal(t, 200*time.Millisecond, c.initialBackoff)
	assert.Equal(t, 5*time.Second, c.maxBackoff)

	tr, ok := c.hc.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, tr.ResponseHeaderTimeout)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
	assert.Zero(t, c.hc.Timeout, "body reads are bounded by the context only")
}

func TestGet(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		retries  int
		codes    []int
		wantErr  string
		wantHits int32
	}{
		{name: "ok first try", retries: 3, wantHits: 1},
		{name: "retries 5xx then ok", retries: 3, codes: []int{503, 500}, wantHits: 3},
		{name: "retries 429", retries: 1, codes: []int{429}, wantHits: 2},
		{name: "gives up", retries: 2, codes: []int{502, 502, 502, 502}, wantErr: "giving up after 3 attempts", wantHits: 3},
		{name: "404 is final", retries: 3, codes: []int{404}, wantErr: "status 404", wantHits: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, hits := statusServer(t, "payload", tc.codes...)
			resp, err := fastClient(tc.retries).Get(context.Background(), srv.URL)
			assert.Equal(t, tc.wantHits, atomic.LoadInt32(hits))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(b))
		})
	}
}

func TestGet_SendsHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := NewClient(Config{Headers: map[string]string{"Authorization": "Bearer t"}})
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer t", <-got)
}

func TestGet_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	srv, _ := statusServer(t, "", 503, 503, 503)
	c := NewClient(Config{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGet_EmptyURL(t *testing.T) {
	t.Parallel()
	_, err := fastClient(0).Get(context.Background(), "")
	require.Error(t, err)
}

func TestSourceOpen(t *testing.T) {
	t.Parallel()

	srv, _ := statusServer(t, "{\"a\":1}\n")
	rc, err := NewSource(fastClient(0), srv.URL).Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(b))
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{64, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoff(100*time.Millisecond, tc.retry, 500*time.Millisecond), "retry %d", tc.retry)
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	for code, want := range map[int]bool{200: false, 400: false, 404: false, 429: true, 500: true, 503: true, 599: true} {
		assert.Equal(t, want, retryable(code), "code %d", code)
	}
}
