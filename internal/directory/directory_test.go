package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/bastion/internal/cache/memory"
	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/domain"
)

var steveUUID = uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")

func testConfig(baseURL string) config.DirectoryConfig {
	return config.DirectoryConfig{
		BaseURL:           baseURL,
		Timeout:           time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
		UserAgent:         "bastion-test",
	}
}

func newDirectoryServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "bastion-test", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/user/Steve", "/user/" + steveUUID.String():
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{
				"uuid": %q,
				"username": "Steve",
				"username_history": [
					{"username": "Steve", "changed_at": "2016-03-01T10:00:00.000Z"},
					{"username": "Steve_"}
				]
			}`, steveUUID)
		case "/user/Alex":
			fmt.Fprint(w, `{"uuid": "ec561538-f3fd-461d-aff5-086b22154bce", "username": "Alex"}`)
		case "/user/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/user/garbage":
			fmt.Fprint(w, `{"uuid": `)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Lookup(t *testing.T) {
	var calls atomic.Int32
	srv := newDirectoryServer(t, &calls)
	c := NewHTTPClient(testConfig(srv.URL+"/"), zerolog.Nop())
	ctx := context.Background()

	p, err := c.Lookup(ctx, "Steve")
	require.NoError(t, err)
	assert.Equal(t, steveUUID, p.UUID)
	assert.Equal(t, "Steve", p.Username)
	require.Len(t, p.History, 2)
	assert.Equal(t, "Steve_", p.History[0].Username, "the original name sorts first")
	assert.Nil(t, p.History[0].ChangedAt)
	assert.Equal(t, "Steve", p.UsernameHistory().Current())

	alex, err := c.Lookup(ctx, "Alex")
	require.NoError(t, err)
	require.Len(t, alex.History, 1)
	assert.Equal(t, "Alex", alex.History[0].Username)
}

func TestHTTPClient_Errors(t *testing.T) {
	var calls atomic.Int32
	srv := newDirectoryServer(t, &calls)
	c := NewHTTPClient(testConfig(srv.URL), zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		key     string
		wantErr error
	}{
		{"Nobody", domain.ErrIdentityNotFound},
		{"broken", domain.ErrDirectoryUnavailable},
		{"garbage", domain.ErrDirectoryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := c.Lookup(ctx, tt.key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(testConfig(url), zerolog.Nop())
	_, err := c.Lookup(context.Background(), "Steve")
	assert.ErrorIs(t, err, domain.ErrDirectoryUnavailable)
}

func TestCaching_ServesRepeatLookupsFromCache(t *testing.T) {
	var calls atomic.Int32
	srv := newDirectoryServer(t, &calls)
	shared := memory.NewByteCache(16, 0)
	defer shared.Stop()

	c := NewCaching(NewHTTPClient(testConfig(srv.URL), zerolog.Nop()), shared, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.Lookup(ctx, "Steve")
		require.NoError(t, err)
		assert.Equal(t, steveUUID, p.UUID)
	}
	_, err := c.Lookup(ctx, "steve")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Unknown keys are asked again every time.
	for i := 0; i < 2; i++ {
		_, err := c.Lookup(ctx, "Nobody")
		assert.ErrorIs(t, err, domain.ErrIdentityNotFound)
	}
	assert.Equal(t, int32(3), calls.Load())
}

type blockingClient struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (b *blockingClient) Lookup(ctx context.Context, key string) (*Profile, error) {
	b.calls.Add(1)
	<-b.release
	if b.err != nil {
		return nil, b.err
	}
	return &Profile{UUID: steveUUID, Username: key}, nil
}

func TestCoalescing_SharesInFlightLookup(t *testing.T) {
	next := &blockingClient{release: make(chan struct{})}
	c := NewCoalescing(next)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Lookup(context.Background(), "Steve")
			assert.NoError(t, err)
			assert.Equal(t, steveUUID, p.UUID)
		}()
	}

	assert.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(next.release)
	wg.Wait()

	assert.LessOrEqual(t, next.calls.Load(), int32(5))
	assert.GreaterOrEqual(t, next.calls.Load(), int32(1))
}

func TestCoalescing_PropagatesErrors(t *testing.T) {
	next := &blockingClient{release: make(chan struct{}), err: domain.ErrDirectoryUnavailable}
	close(next.release)

	_, err := NewCoalescing(next).Lookup(context.Background(), "Steve")
	assert.True(t, errors.Is(err, domain.ErrDirectoryUnavailable))
}

func TestCoalescing_CallerMayAbandon(t *testing.T) {
	next := &blockingClient{release: make(chan struct{})}
	c := NewCoalescing(next)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Lookup(ctx, "Steve")
		done <- err
	}()

	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled lookup kept waiting for the shared call")
	}

	// The shared call still completes for a caller that kept waiting.
	waiter := make(chan *Profile, 1)
	go func() {
		p, err := c.Lookup(context.Background(), "steve")
		assert.NoError(t, err)
		waiter <- p
	}()
	time.Sleep(10 * time.Millisecond)
	close(next.release)
	select {
	case p := <-waiter:
		assert.Equal(t, steveUUID, p.UUID)
	case <-time.After(time.Second):
		t.Fatal("waiting lookup never completed")
	}
}

func TestNew_ComposesStack(t *testing.T) {
	cfg := testConfig("http://directory.invalid")
	cfg.CoalesceLookups = true
	cfg.SharedCacheTTL = time.Minute

	shared := memory.NewByteCache(4, 0)
	defer shared.Stop()

	c := New(cfg, shared, nil, zerolog.Nop())
	coalescing, ok := c.(*Coalescing)
	require.True(t, ok)
	_, ok = coalescing.next.(*Caching)
	assert.True(t, ok)

	cfg.CoalesceLookups = false
	cfg.SharedCacheTTL = 0
	_, ok = New(cfg, shared, nil, zerolog.Nop()).(*HTTPClient)
	assert.True(t, ok)
}
