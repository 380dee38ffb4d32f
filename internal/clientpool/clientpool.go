// Package clientpool maintains an LRU cache of constructed *http.Client
// values keyed by the hash of their timeout/TLS/proxy profile, so dispatch
// reuses connections and TLS handshakes across Tasks that share a
// Connection's network settings.
package clientpool

import (
	"crypto/tls"
	"crypto/x509"
	"hash/fnv"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/metrics"
	"github.com/aionixone/openact/internal/openacterr"
)

// DefaultCapacity is the pool's default entry cap.
const DefaultCapacity = 64

// entry pairs a built client with its construction time. The time is
// recorded only; nothing in the pool reads or reports it.
type entry struct {
	client  *http.Client
	builtAt time.Time
}

// Stats is a point-in-time snapshot of pool performance.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Builds    uint64 `json:"builds"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// HitRate returns the fraction of Get calls served from cache (0.0 to 1.0).
func (s *Stats) HitRate() float64 {
	total := s.Hits + s.Builds
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// Pool is the HTTP Client Pool component. Safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	cache    *lru.Cache[uint64, *entry]
	capacity int
	metrics  *metrics.Metrics

	hits      atomic.Uint64
	builds    atomic.Uint64
	evictions atomic.Uint64
}

// New constructs a Pool with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{capacity: capacity}
	cache, err := lru.NewWithEvict[uint64, *entry](capacity, func(_ uint64, _ *entry) {
		p.onEvict()
	})
	if err != nil {
		// capacity is always > 0 here, so New never actually fails.
		panic(err)
	}
	p.cache = cache
	return p
}

// WithMetrics attaches a metrics recorder.
func (p *Pool) WithMetrics(m *metrics.Metrics) *Pool {
	p.metrics = m
	return p
}

func (p *Pool) onEvict() {
	p.evictions.Add(1)
	if p.metrics != nil {
		p.metrics.RecordClientPoolEviction()
	}
}

// Get returns a cached *http.Client for the given timeout/network profile,
// building and caching one on a miss.
func (p *Pool) Get(timeout domain.TimeoutConfig, network domain.NetworkConfig) (*http.Client, error) {
	key := profileHash(timeout, network)

	p.mu.RLock()
	e, found := p.cache.Get(key)
	p.mu.RUnlock()
	if found {
		p.hits.Add(1)
		if p.metrics != nil {
			p.metrics.RecordClientPoolHit()
		}
		return e.client, nil
	}

	client, err := buildClient(timeout, network)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache.Add(key, &entry{client: client, builtAt: time.Now()})
	size := p.cache.Len()
	p.mu.Unlock()

	p.builds.Add(1)
	if p.metrics != nil {
		p.metrics.RecordClientPoolBuild()
		p.metrics.SetClientPoolSize(size)
	}
	return client, nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:      p.hits.Load(),
		Builds:    p.builds.Load(),
		Evictions: p.evictions.Load(),
		Size:      p.Len(),
		Capacity:  p.capacity,
	}
}

// Len reports the current number of cached clients.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache.Len()
}

// profileHash computes an FNV-1a hash over the fields that determine
// whether two requests may safely share a transport (timeout config, TLS
// config, proxy URL).
func profileHash(timeout domain.TimeoutConfig, network domain.NetworkConfig) uint64 {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(itoa(timeout.ConnectMS))
	write(itoa(timeout.ReadMS))
	write(itoa(timeout.TotalMS))
	write(network.TLSTrustBundlePEM)
	write(network.ClientCertPEM)
	write(network.ClientKeyPEM)
	write(network.ServerNameOverride)
	write(network.ProxyURL)
	if network.InsecureSkipVerify {
		write("1")
	} else {
		write("0")
	}
	return h.Sum64()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// buildClient constructs a fresh *http.Client for the given profile.
func buildClient(timeout domain.TimeoutConfig, network domain.NetworkConfig) (*http.Client, error) {
	const op = "clientpool.buildClient"

	transport := &http.Transport{}

	if network.ProxyURL != "" {
		proxyURL, err := url.Parse(network.ProxyURL)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindValidation, op, "invalid proxy_url", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: network.InsecureSkipVerify,
	}
	if network.ServerNameOverride != "" {
		tlsConfig.ServerName = network.ServerNameOverride
	}
	if network.TLSTrustBundlePEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(network.TLSTrustBundlePEM)) {
			return nil, openacterr.New(openacterr.KindValidation, op, "tls_trust_bundle_pem contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}
	if network.ClientCertPEM != "" && network.ClientKeyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(network.ClientCertPEM), []byte(network.ClientKeyPEM))
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindValidation, op, "invalid client certificate/key pair", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	transport.TLSClientConfig = tlsConfig

	if timeout.ConnectMS > 0 {
		dialer := &net.Dialer{Timeout: time.Duration(timeout.ConnectMS) * time.Millisecond}
		transport.DialContext = dialer.DialContext
	}
	if timeout.ReadMS > 0 {
		transport.ResponseHeaderTimeout = time.Duration(timeout.ReadMS) * time.Millisecond
	}

	client := &http.Client{Transport: transport}
	if timeout.TotalMS > 0 {
		client.Timeout = time.Duration(timeout.TotalMS) * time.Millisecond
	}
	return client, nil
}
