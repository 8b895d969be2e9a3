package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/PeerPigeon/PigeonNS/pkg/cache"
)

const (
	// DefaultTimeout is the default wait for a multicast response.
	DefaultTimeout = 5 * time.Second

	// DefaultTTL is used for answer records that carry no TTL.
	DefaultTTL = 120 * time.Second

	localDomain = "local."
)

var nopLogger = zap.NewNop()

// Transport sends multicast queries on behalf of the engine. Sends
// are fire-and-forget; responses come back through Engine.Ingest.
type Transport interface {
	Start() error
	Query(name string, qtype uint16) error
	Close() error
}

// Options configures an Engine. The zero value picks all defaults.
type Options struct {
	// Timeout is the per-query response window. Default 5s.
	Timeout time.Duration

	// DefaultTTL is the cache TTL for records without one. Default 120s.
	DefaultTTL time.Duration

	// CacheSize bounds the cache. Default 1000 entries.
	CacheSize int

	Logger *zap.Logger

	// MetricsReg, if not nil, receives the engine collectors.
	MetricsReg prometheus.Registerer
}

func (opts *Options) init() {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = cache.DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Answer is a resolved address record, as delivered to OnResolved
// subscribers.
type Answer struct {
	Name    string
	Qtype   uint16
	Address string
	TTL     uint32
}

// pendingQuery is the join point for all concurrent Resolve calls on
// one cache key. It settles exactly once: done is closed after addr
// and err are final.
type pendingQuery struct {
	name  string
	timer *time.Timer
	done  chan struct{}
	addr  string
	err   error
}

// Engine resolves .local names over a multicast Transport and owns
// the answer cache and the pending-query table.
type Engine struct {
	opts    Options
	logger  *zap.Logger
	tr      Transport
	metrics *metrics

	onResolved []func(Answer)

	mu      sync.Mutex
	running bool
	cache   *cache.Cache
	pending map[string]*pendingQuery
}

// NewEngine creates a stopped Engine using tr for multicast sends.
func NewEngine(opts Options, tr Transport) *Engine {
	opts.init()
	e := &Engine{
		opts:    opts,
		logger:  opts.Logger,
		tr:      tr,
		metrics: newMetrics(),
		pending: make(map[string]*pendingQuery),
	}
	e.cache = cache.New(opts.CacheSize, func(key string) {
		e.metrics.evictions.Inc()
	})
	if opts.MetricsReg != nil {
		e.metrics.register(opts.MetricsReg, e.cache.Len)
	}
	return e
}

// OnResolved subscribes fn to every address record ingested from a
// response. Must be called before Start.
func (e *Engine) OnResolved(fn func(Answer)) {
	e.onResolved = append(e.onResolved, fn)
}

// Start starts the transport and accepts queries.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	if err := e.tr.Start(); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	e.logger.Info("engine started",
		zap.Duration("timeout", e.opts.Timeout),
		zap.Duration("default_ttl", e.opts.DefaultTTL),
		zap.Int("cache_size", e.opts.CacheSize))
	return nil
}

// Stop rejects every in-flight query with ErrStopped and releases
// the transport. The cache is left intact.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	aborted := len(e.pending)
	for key, p := range e.pending {
		e.settleLocked(key, p, "", ErrStopped)
	}
	e.mu.Unlock()

	err := e.tr.Close()
	e.logger.Info("engine stopped", zap.Int("aborted_queries", aborted))
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Resolve resolves name to an address. Concurrent calls for the same
// name and type share one outbound query and one outcome. ctx only
// bounds this caller's wait; the shared query keeps running until a
// response, its timeout or Stop settles it.
func (e *Engine) Resolve(ctx context.Context, name string, qtype uint16) (string, error) {
	norm := Normalize(name)
	key := cacheKey(norm, qtype)

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", ErrNotRunning
	}

	if ent, ok := e.cache.Get(key); ok && time.Now().Before(ent.ExpiresAt) {
		e.mu.Unlock()
		e.metrics.cacheHits.Inc()
		e.logger.Debug("cache hit",
			zap.String("key", key), zap.String("address", ent.Address))
		return ent.Address, nil
	}

	p, joined := e.pending[key]
	if !joined {
		p = &pendingQuery{name: norm, done: make(chan struct{})}
		// The timer identifies its own pendingQuery, so a timer that
		// fires after the key was re-queried cannot settle the
		// successor entry.
		p.timer = time.AfterFunc(e.opts.Timeout, func() {
			if e.settle(key, p, "", &TimeoutError{Hostname: norm}) {
				e.metrics.timeouts.Inc()
				e.logger.Debug("query timed out", zap.String("key", key))
			}
		})
		e.pending[key] = p
	}
	e.mu.Unlock()

	if !joined {
		e.metrics.queries.Inc()
		e.logger.Debug("query issued",
			zap.String("name", norm), zap.Stringer("qtype", dns.Type(qtype)))
		if err := e.tr.Query(norm, qtype); err != nil {
			// Send failures are not retried; the query window simply
			// runs out unless some other response fills the key.
			e.logger.Warn("failed to send query",
				zap.String("name", norm), zap.Error(err))
		}
	}

	select {
	case <-p.done:
		return p.addr, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Ingest consumes a response message delivered by the transport. Every
// A/AAAA answer record updates the cache and settles a matching
// pending query; records of any other type are ignored.
func (e *Engine) Ingest(m *dns.Msg) {
	if m == nil || len(m.Answer) == 0 {
		return
	}

	for _, rr := range m.Answer {
		var addr string
		var qtype uint16
		switch r := rr.(type) {
		case *dns.A:
			addr = r.A.String()
			qtype = dns.TypeA
		case *dns.AAAA:
			addr = r.AAAA.String()
			qtype = dns.TypeAAAA
		default:
			continue
		}

		hdr := rr.Header()
		name := dns.CanonicalName(hdr.Name)
		ttl := e.opts.DefaultTTL
		if hdr.Ttl > 0 {
			ttl = time.Duration(hdr.Ttl) * time.Second
		}
		key := cacheKey(name, qtype)

		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return
		}
		e.cache.Put(key, addr, ttl)
		if p, ok := e.pending[key]; ok {
			e.settleLocked(key, p, addr, nil)
		}
		e.mu.Unlock()

		e.metrics.resolved.Inc()
		e.logger.Debug("resolved",
			zap.String("name", name),
			zap.Stringer("qtype", dns.Type(qtype)),
			zap.String("address", addr),
			zap.Duration("ttl", ttl))
		for _, fn := range e.onResolved {
			fn(Answer{
				Name:    name,
				Qtype:   qtype,
				Address: addr,
				TTL:     uint32(ttl / time.Second),
			})
		}
	}
}

// settle settles p if it is still the registered query for key.
func (e *Engine) settle(key string, p *pendingQuery, addr string, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleLocked(key, p, addr, err)
}

func (e *Engine) settleLocked(key string, p *pendingQuery, addr string, err error) bool {
	cur, ok := e.pending[key]
	if !ok || cur != p {
		return false
	}
	delete(e.pending, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.addr = addr
	p.err = err
	close(p.done)
	return true
}

// CacheSnapshot returns a diagnostic copy of the cache content.
func (e *Engine) CacheSnapshot() map[string]cache.SnapshotEntry {
	return e.cache.Snapshot()
}

// CacheLen returns the number of cached entries.
func (e *Engine) CacheLen() int {
	return e.cache.Len()
}

// ClearCache drops all cached entries.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// Normalize case-folds name to a fully qualified name under "local.".
// It is idempotent: "h", "H.local" and "h.local." normalize to the
// same value.
func Normalize(name string) string {
	n := dns.CanonicalName(name)
	if !dns.IsSubDomain(localDomain, n) {
		n = strings.TrimSuffix(n, ".") + "." + localDomain
	}
	return n
}

func cacheKey(name string, qtype uint16) string {
	return name + ":" + dns.Type(qtype).String()
}
