package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver issues single-exchange DNS queries directly against a known
// authoritative server and caches the results.
//
// Unlike a conventional stub resolver, Resolver never walks a delegation
// chain or discovers root name servers: the caller always supplies the
// server to query. This agent already knows, for every query it cares
// about, exactly which authoritative server holds the answer (the RPZ's
// own server), so there is nothing to discover.
//
// Concurrent calls to all methods are safe, but exported fields of the
// Resolver must not be changed until all method calls have returned.
type Resolver struct {
	// TimeoutPolicy determines the round-trip timeout for a single DNS
	// query. If nil, DefaultTimeoutPolicy() is used.
	TimeoutPolicy TimeoutPolicy

	// CachePolicy determines how long responses remain in this resolver's
	// cache. If nil, DefaultCachePolicy() is used.
	CachePolicy CachePolicy

	logFunc func(queryResult)

	mu    sync.RWMutex
	cache map[cacheKey]cacheItem
}

const maxCacheSize = 10_000

type cacheKey struct {
	qtype  uint16
	name   string
	server string
}

type cacheItem struct {
	set        RecordSet
	addedAt    time.Time
	lastUsedAt time.Time
	ttl        time.Duration
}

// New returns a new Resolver using the DefaultTimeoutPolicy and
// DefaultCachePolicy.
func New() *Resolver {
	return &Resolver{
		cache: map[cacheKey]cacheItem{},
	}
}

// ClearCache removes any cached DNS responses.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = map[cacheKey]cacheItem{}
	r.mu.Unlock()
}

// Query sends a single DNS query of the given type and name to serverAddr
// (an "ip:port" pair; the port defaults to 53 if omitted) and returns the
// resulting RecordSet.
//
// domainName is always understood as a fully qualified domain, making the
// trailing dot optional. Cancel ctx to abort an in-flight request.
//
// Matching entries already in the cache are returned without a network
// round-trip, independent of the CachePolicy; the CachePolicy only governs
// how long a freshly fetched RecordSet remains cached.
func (r *Resolver) Query(ctx context.Context, recordType, domainName, serverAddr string) (RecordSet, error) {
	rs := RecordSet{
		Name:      domainName,
		QueryType: recordType,
		Age:       -1 * time.Second,
		Trace:     new(Trace),
	}

	qtype, ok := dns.StringToType[recordType]
	if !ok {
		return rs, fmt.Errorf("unsupported record type: %s", recordType)
	}

	serverAddr, err := normalizeAddr(serverAddr)
	if err != nil {
		return rs, err
	}

	name := dns.CanonicalName(domainName)

	key := cacheKey{qtype: qtype, name: name, server: serverAddr}
	if cached, ok := r.lookup(key); ok {
		return cached, nil
	}

	q := dns.Question{Name: name, Qtype: qtype, Qclass: dns.ClassINET}

	result := r.exchange(ctx, q, serverAddr, rs.Trace)
	err = rs.fromResult(result)

	if err == nil {
		r.store(key, rs)
	}

	return rs, err
}

func normalizeAddr(addr string) (string, error) {
	ip, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		ip = addr
		port = ""
	}
	if net.ParseIP(ip) == nil {
		return "", errors.New("not an ip address: " + addr)
	}
	if port == "" {
		port = "53"
	}
	return net.JoinHostPort(ip, port), nil
}

func (r *Resolver) lookup(key cacheKey) (RecordSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ci, ok := r.cache[key]
	if !ok {
		return RecordSet{}, false
	}
	if ci.addedAt.Add(ci.ttl).Before(time.Now()) {
		delete(r.cache, key)
		return RecordSet{}, false
	}

	ci.lastUsedAt = time.Now()
	r.cache[key] = ci

	rs := ci.set
	rs.Age = time.Since(ci.addedAt)
	return rs, true
}

func (r *Resolver) store(key cacheKey, rs RecordSet) {
	policy := r.CachePolicy
	if policy == nil {
		policy = DefaultCachePolicy()
	}
	ttl := policy(rs)
	if ttl <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= maxCacheSize {
		r.evictOldest()
	}

	now := time.Now()
	r.cache[key] = cacheItem{set: rs, addedAt: now, lastUsedAt: now, ttl: ttl}
}

// evictOldest drops the least-recently-used cache entry. Called with mu held.
func (r *Resolver) evictOldest() {
	var oldestKey cacheKey
	var oldest time.Time
	first := true

	for k, ci := range r.cache {
		if first || ci.lastUsedAt.Before(oldest) {
			oldestKey = k
			oldest = ci.lastUsedAt
			first = false
		}
	}
	if !first {
		delete(r.cache, oldestKey)
	}
}

type queryResult struct {
	Question   *dns.Question
	ServerAddr string
	RTT        time.Duration
	Response   *dns.Msg
	Error      error
}

func (r *Resolver) exchange(ctx context.Context, q dns.Question, serverAddr string, trace *Trace) queryResult {
	result := queryResult{Question: &q, ServerAddr: serverAddr}

	timeoutPolicy := r.TimeoutPolicy
	if timeoutPolicy == nil {
		timeoutPolicy = DefaultTimeoutPolicy()
	}

	if timeout := timeoutPolicy(dns.TypeToString[q.Qtype], q.Name, serverAddr); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := new(dns.Client)
	m := new(dns.Msg)
	m.Question = []dns.Question{q}
	m.RecursionDesired = false

	result.Response, result.RTT, result.Error = c.ExchangeContext(ctx, m, serverAddr)

	trace.add(&TraceNode{Server: serverAddr, Message: result.Response, RTT: result.RTT, Error: result.Error})

	if r.logFunc != nil {
		r.logFunc(result)
	}

	return result
}
