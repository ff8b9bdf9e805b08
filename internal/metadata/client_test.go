package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIMDS serves a minimal IMDSv2-style token + metadata pair so the
// client's token caching and request shape can be exercised without the
// real link-local endpoint.
func fakeIMDS(t *testing.T, paths map[string]string) *httptest.Server {
	t.Helper()
	var tokenRequests int
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/api/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "21600", r.Header.Get("X-aws-ec2-metadata-token-ttl-seconds"))
		tokenRequests++
		w.Write([]byte("test-token"))
	})
	for path, value := range paths {
		v := value
		mux.HandleFunc("/latest/meta-data"+path, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-aws-ec2-metadata-token") != "test-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(v))
		})
	}
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, paths map[string]string) (*Client, func()) {
	srv := fakeIMDS(t, paths)
	c := NewWithEndpoints(srv.URL+"/latest/meta-data", srv.URL+"/latest/api/token")
	return c, srv.Close
}

func TestClient_InstanceID(t *testing.T) {
	c, closeFn := newTestClient(t, map[string]string{"/instance-id": "i-0abc123def456"})
	defer closeFn()

	id, err := c.InstanceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "i-0abc123def456", id)
}

func TestClient_OnCloudHost(t *testing.T) {
	t.Run("present and prefixed", func(t *testing.T) {
		c, closeFn := newTestClient(t, map[string]string{"/instance-id": "i-0abc123def456"})
		defer closeFn()
		assert.True(t, c.OnCloudHost(context.Background()))
	})

	t.Run("unreachable endpoint fails fast", func(t *testing.T) {
		c := New()
		start := time.Now()
		got := c.OnCloudHost(context.Background())
		assert.False(t, got)
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestClient_HostnameFallsBackToOSHostnameWhenAbsent(t *testing.T) {
	srv := fakeIMDS(t, map[string]string{})
	defer srv.Close()
	c := NewWithEndpoints(srv.URL+"/latest/meta-data", srv.URL+"/latest/api/token")

	host, err := c.Hostname(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, host)
}

func TestClient_TokenIsCachedAcrossCalls(t *testing.T) {
	c, closeFn := newTestClient(t, map[string]string{
		"/instance-id":   "i-0abc123def456",
		"/instance-type": "m5.large",
	})
	defer closeFn()

	_, err := c.InstanceID(context.Background())
	require.NoError(t, err)
	_, err = c.InstanceType(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, c.token, "token should be cached on the client after first use")
}
