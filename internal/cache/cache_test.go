package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchlist-analyzer/internal/upstream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeSessions struct {
	value string
	err   error
	calls atomic.Int32
}

func (f *fakeSessions) GetSessionValue(_ context.Context, key string) (string, bool, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", false, f.err
	}
	return f.value, f.value != "", nil
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewTTL[int](time.Minute, clock.Now)
	c.Set("k", 1)

	clock.Advance(59 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must expire once now-fetchedAt reaches the ttl")
}

func TestTTLConcurrentMissesLoadOnce(t *testing.T) {
	c := NewTTL[string](time.Minute, nil)
	var loads atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad("k", func() (string, bool, error) {
				loads.Add(1)
				<-release
				return "v", true, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(2))
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestTokenCacheUsesSessionStoreWithinTTL(t *testing.T) {
	clock := newFakeClock()
	sessions := &fakeSessions{value: "db-token"}
	tc := NewTokenCache(sessions, TokenOptions{SessionKey: "stockbit_token", Fallback: "env-token", Clock: clock.Now}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		tok, err := tc.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "db-token", tok)
	}
	assert.Equal(t, int32(1), sessions.calls.Load())

	clock.Advance(TokenTTL)
	sessions.value = "rotated"
	tok, err := tc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", tok)
	assert.Equal(t, int32(2), sessions.calls.Load())
}

func TestTokenCacheFallsBackWithoutCaching(t *testing.T) {
	sessions := &fakeSessions{err: errors.New("db down")}
	tc := NewTokenCache(sessions, TokenOptions{SessionKey: "k", Fallback: " env-token "}, zerolog.Nop())

	tok, err := tc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", tok)

	sessions.err = nil
	sessions.value = "db-token"
	tok, err = tc.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "db-token", tok, "a token stored after a fallback read must be picked up immediately")
}

func TestTokenCacheNotConfigured(t *testing.T) {
	tc := NewTokenCache(nil, TokenOptions{SessionKey: "k"}, zerolog.Nop())
	_, err := tc.GetToken(context.Background())
	assert.ErrorIs(t, err, ErrTokenNotConfigured)
}

type fakeInfo struct {
	sector string
	err    error
	calls  atomic.Int32
}

func (f *fakeInfo) FetchTickerInfo(_ context.Context, ticker string) (*upstream.TickerInfoResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	resp := &upstream.TickerInfoResponse{}
	resp.Data.Sector = f.sector
	resp.Data.Symbol = ticker
	return resp, nil
}

func TestSectorCacheHitsAndExpiry(t *testing.T) {
	clock := newFakeClock()
	src := &fakeInfo{sector: "Finance"}
	sc := NewSectorCache(src, clock.Now, zerolog.Nop())

	for _, ticker := range []string{"bbca", "BBCA", " BBCA "} {
		sector, err := sc.GetSector(context.Background(), ticker)
		require.NoError(t, err)
		assert.Equal(t, "Finance", sector)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	clock.Advance(SectorTTL)
	_, err := sc.GetSector(context.Background(), "BBCA")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSectorCacheFailureReturnsUnknown(t *testing.T) {
	src := &fakeInfo{err: errors.New("boom")}
	sc := NewSectorCache(src, nil, zerolog.Nop())

	sector, err := sc.GetSector(context.Background(), "BBCA")
	assert.Error(t, err)
	assert.Equal(t, UnknownSector, sector)
}

func TestSectorCacheDoesNotStoreEmptySector(t *testing.T) {
	src := &fakeInfo{sector: ""}
	sc := NewSectorCache(src, nil, zerolog.Nop())

	_, err := sc.GetSector(context.Background(), "GOTO")
	require.NoError(t, err)
	_, err = sc.GetSector(context.Background(), "GOTO")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}
