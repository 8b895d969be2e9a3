package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	started bool
	closed  bool
	queries []string
}

func (t *fakeTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.closed = false
	return nil
}

func (t *fakeTransport) Query(name string, qtype uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries = append(t.queries, name+":"+dns.Type(qtype).String())
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) queryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeTransport) {
	t.Helper()
	tr := new(fakeTransport)
	e := NewEngine(opts, tr)
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })
	return e, tr
}

func answerMsg(rrs ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Answer = rrs
	return m
}

func aRecord(name, ip string, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.ParseIP(ip).To4(),
	}
}

func aaaaRecord(name, ip string, ttl uint32) *dns.AAAA {
	return &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: net.ParseIP(ip),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNormalize(t *testing.T) {
	for _, name := range []string{"printer", "Printer", "printer.local", "PRINTER.LOCAL."} {
		if got := Normalize(name); got != "printer.local." {
			t.Fatalf("Normalize(%q) = %q, want printer.local.", name, got)
		}
	}
}

func TestResolve_NotRunning(t *testing.T) {
	e := NewEngine(Options{}, new(fakeTransport))
	_, err := e.Resolve(context.Background(), "printer", dns.TypeA)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStart_AlreadyRunning(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.ErrorIs(t, e.Start(), ErrAlreadyRunning)
}

func TestResolve_DedupSharesOneQuery(t *testing.T) {
	e, tr := newTestEngine(t, Options{})

	// Case and suffix variants must key identically.
	names := []string{"WebServer", "webserver.local", "webserver.LOCAL."}
	results := make(chan string, len(names))
	errs := make(chan error, len(names))
	for _, name := range names {
		go func(name string) {
			addr, err := e.Resolve(context.Background(), name, dns.TypeA)
			results <- addr
			errs <- err
		}(name)
	}

	waitFor(t, func() bool { return tr.queryCount() >= 1 })
	e.Ingest(answerMsg(aRecord("webserver.local.", "192.168.1.7", 60)))

	for range names {
		require.NoError(t, <-errs)
		require.Equal(t, "192.168.1.7", <-results)
	}
	require.Equal(t, 1, tr.queryCount(), "joined callers must share one outbound query")
}

func TestResolve_CacheHit(t *testing.T) {
	e, tr := newTestEngine(t, Options{})
	e.Ingest(answerMsg(aRecord("nas.local.", "10.0.0.3", 120)))

	addr, err := e.Resolve(context.Background(), "NAS", dns.TypeA)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", addr)
	require.Equal(t, 0, tr.queryCount(), "fresh cache entries must not hit the transport")
}

func TestResolve_Timeout(t *testing.T) {
	e, tr := newTestEngine(t, Options{Timeout: 30 * time.Millisecond})

	_, err := e.Resolve(context.Background(), "ghost", dns.TypeA)
	require.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "ghost.local.", te.Hostname)

	// A response after the timeout must not panic and must still be
	// usable for the next query cycle.
	e.Ingest(answerMsg(aRecord("ghost.local.", "10.0.0.9", 60)))
	addr, err := e.Resolve(context.Background(), "ghost", dns.TypeA)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", addr)
	require.Equal(t, 1, tr.queryCount())
}

func TestResolve_ContextAbandonsWaitOnly(t *testing.T) {
	e, tr := newTestEngine(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Resolve(ctx, "slow", dns.TypeA)
		done <- err
	}()
	waitFor(t, func() bool { return tr.queryCount() == 1 })
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The shared query is still pending and settles for later joiners.
	res := make(chan string, 1)
	go func() {
		addr, _ := e.Resolve(context.Background(), "slow", dns.TypeA)
		res <- addr
	}()
	e.Ingest(answerMsg(aRecord("slow.local.", "10.0.0.4", 60)))
	require.Equal(t, "10.0.0.4", <-res)
	require.Equal(t, 1, tr.queryCount())
}

func TestIngest_MultiRecordResponse(t *testing.T) {
	e, tr := newTestEngine(t, Options{})

	type outcome struct {
		addr string
		err  error
	}
	resolve := func(qtype uint16) chan outcome {
		ch := make(chan outcome, 1)
		go func() {
			addr, err := e.Resolve(context.Background(), "dual.local", qtype)
			ch <- outcome{addr, err}
		}()
		return ch
	}
	chA := resolve(dns.TypeA)
	chAAAA := resolve(dns.TypeAAAA)
	waitFor(t, func() bool { return tr.queryCount() == 2 })

	e.Ingest(answerMsg(
		aRecord("dual.local.", "192.168.1.20", 60),
		aaaaRecord("dual.local.", "fe80::1", 60),
	))

	got := <-chA
	require.NoError(t, got.err)
	require.Equal(t, "192.168.1.20", got.addr)
	got = <-chAAAA
	require.NoError(t, got.err)
	require.Equal(t, "fe80::1", got.addr)

	require.Equal(t, 2, e.CacheLen())
}

func TestIngest_IgnoresOtherRecordTypes(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Ingest(answerMsg(&dns.PTR{
		Hdr: dns.RR_Header{
			Name:   "svc.local.",
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		Ptr: "target.local.",
	}))
	require.Equal(t, 0, e.CacheLen())

	e.Ingest(new(dns.Msg)) // no answers, no-op
	require.Equal(t, 0, e.CacheLen())
}

func TestStop_RejectsAllPending(t *testing.T) {
	tr := new(fakeTransport)
	e := NewEngine(Options{}, tr)
	require.NoError(t, e.Start())

	e.Ingest(answerMsg(aRecord("keep.local.", "10.0.0.8", 120)))
	before := e.CacheLen()

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := e.Resolve(context.Background(), fmt.Sprintf("host%d", i), dns.TypeA)
			errs <- err
		}(i)
	}
	waitFor(t, func() bool { return tr.queryCount() == n })

	require.NoError(t, e.Stop())
	for i := 0; i < n; i++ {
		require.ErrorIs(t, <-errs, ErrStopped)
	}
	require.True(t, tr.isClosed(), "transport must be released on stop")
	require.Equal(t, before, e.CacheLen(), "stop must not clear the cache")

	require.ErrorIs(t, e.Stop(), ErrNotRunning)
}

func TestResolve_ExpiredEntryTriggersFreshQuery(t *testing.T) {
	e, tr := newTestEngine(t, Options{
		Timeout:    30 * time.Millisecond,
		DefaultTTL: 40 * time.Millisecond,
	})

	// TTL 0 on the record falls back to the configured default.
	e.Ingest(answerMsg(aRecord("blink.local.", "10.0.0.5", 0)))

	addr, err := e.Resolve(context.Background(), "blink", dns.TypeA)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", addr)
	require.Equal(t, 0, tr.queryCount())

	time.Sleep(60 * time.Millisecond)

	_, err = e.Resolve(context.Background(), "blink", dns.TypeA)
	require.ErrorIs(t, err, ErrTimeout, "expired entry must trigger a full query cycle")
	require.Equal(t, 1, tr.queryCount())
}

func TestOnResolved(t *testing.T) {
	tr := new(fakeTransport)
	e := NewEngine(Options{}, tr)

	var mu sync.Mutex
	var seen []Answer
	e.OnResolved(func(a Answer) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	})
	require.NoError(t, e.Start())
	defer e.Stop()

	e.Ingest(answerMsg(
		aRecord("cam.local.", "192.168.1.30", 90),
		aaaaRecord("cam.local.", "fe80::2", 90),
	))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.Equal(t, Answer{Name: "cam.local.", Qtype: dns.TypeA, Address: "192.168.1.30", TTL: 90}, seen[0])
	require.Equal(t, Answer{Name: "cam.local.", Qtype: dns.TypeAAAA, Address: "fe80::2", TTL: 90}, seen[1])
}

func TestTimeoutError_Is(t *testing.T) {
	err := error(&TimeoutError{Hostname: "x.local."})
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, errors.Is(err, ErrStopped))
}
