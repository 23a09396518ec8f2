package cache

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/providers"
)

type blockingLocator struct {
	calls   atomic.Int32
	release chan struct{}
	result  models.GeoResult
	err     error
}

func (b *blockingLocator) Resolve(ctx context.Context, _ string) (models.GeoResult, error) {
	b.calls.Add(1)
	if b.release != nil {
		<-b.release
	}
	return b.result, b.err
}

type countingChecker struct {
	calls atomic.Int32
	err   error
}

func (c *countingChecker) Check(context.Context, string) (models.FraudSignal, error) {
	c.calls.Add(1)
	return models.FraudSignal{IsTor: true}, c.err
}

func TestCoalescing(t *testing.T) {
	upstream := &blockingLocator{
		release: make(chan struct{}),
		result:  models.GeoResult{CountryCode: "US"},
	}
	locator := NewGeoLocator(upstream, nil, "test")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]models.GeoResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = locator.Resolve(context.Background(), "203.0.113.9")
		}(i)
	}

	require.Eventually(t, func() bool { return upstream.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// give the remaining callers time to join the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(upstream.release)
	wg.Wait()

	assert.Equal(t, int32(1), upstream.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "US", results[i].CountryCode)
	}
}

func TestCallerCancellation(t *testing.T) {
	upstream := &blockingLocator{release: make(chan struct{})}
	defer close(upstream.release)
	locator := NewGeoLocator(upstream, nil, "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := locator.Resolve(ctx, "203.0.113.9")
		done <- err
	}()

	require.Eventually(t, func() bool { return upstream.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("resolve did not return after cancellation")
	}
}

func TestErrorsPassThrough(t *testing.T) {
	upstream := &countingChecker{err: providers.NotConfigured("test", "no key")}
	checker := NewFraudChecker(upstream, nil, "test")

	for i := 0; i < 3; i++ {
		_, err := checker.Check(context.Background(), "198.51.100.3")
		assert.True(t, providers.IsNotConfigured(err))
	}
	assert.Equal(t, int32(3), upstream.calls.Load())
}

func TestKeysAreNamespaced(t *testing.T) {
	geo := newLookupCache(nil, "geo", "ipgeolocation", nil)
	fraud := newLookupCache(nil, "fraud", "ipqualityscore", nil)

	assert.Equal(t, "geogate:geo:ipgeolocation:1.2.3.4", geo.key("1.2.3.4"))
	assert.Equal(t, "geogate:fraud:ipqualityscore:1.2.3.4", fraud.key("1.2.3.4"))
	assert.Equal(t, DefaultTTL, geo.ttl)
	assert.Equal(t, 5*time.Minute, newLookupCache(nil, "geo", "x", []Option{WithTTL(5 * time.Minute)}).ttl)
	assert.Equal(t, DefaultRedisTimeout, geo.redisTimeout)
	assert.Zero(t, geo.lookupTimeout)
}

// stalledRedis returns a client whose server accepts connections and never
// answers.
func stalledRedis(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	client := redis.NewClient(&redis.Options{
		Addr:         ln.Addr().String(),
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = client.Close()
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return client
}

func TestStalledRedisDoesNotDelayLookup(t *testing.T) {
	upstream := &blockingLocator{result: models.GeoResult{CountryCode: "IN"}}
	locator := NewGeoLocator(upstream, stalledRedis(t), "test",
		WithRedisTimeout(20*time.Millisecond),
		WithLookupTimeout(200*time.Millisecond),
	)

	start := time.Now()
	geo, err := locator.Resolve(context.Background(), "198.51.100.1")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "IN", geo.CountryCode)
	assert.Equal(t, int32(1), upstream.calls.Load())
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestLookupTimeoutBoundsSlowProvider(t *testing.T) {
	upstream := &blockingLocator{release: make(chan struct{})}
	defer close(upstream.release)
	locator := NewGeoLocator(upstream, stalledRedis(t), "test",
		WithRedisTimeout(20*time.Millisecond),
		WithLookupTimeout(100*time.Millisecond),
	)

	start := time.Now()
	_, err := locator.Resolve(context.Background(), "198.51.100.1")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, providers.ErrorTimeout, providers.GetCategory(err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}
