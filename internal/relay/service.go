package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoRelayServers is returned when neither static servers nor the provider yield an endpoint.
var ErrNoRelayServers = errors.New("no relay servers configured")

const (
	// RefreshWindow is how long before the earliest expiry a cached bundle is regenerated.
	RefreshWindow = 5 * time.Minute
	// SweepInterval is the cadence of the cache sweep.
	SweepInterval = 30 * time.Minute
)

// Config configures the credential service.
type Config struct {
	Servers         []Server
	TTL             time.Duration
	Provider        Provider // optional
	ProviderTimeout time.Duration
}

// Service issues relay credential bundles and caches them per client identity.
type Service struct {
	servers         []Server
	ttl             time.Duration
	provider        Provider
	providerTimeout time.Duration
	logger          *zap.Logger
	now             func() time.Time

	mu    sync.Mutex
	cache map[string]Bundle

	providerFailures atomic.Int64
}

// NewService validates the configured relay URLs and creates the service.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	servers := make([]Server, 0, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if s.Secret == "" {
			return nil, fmt.Errorf("relay server %d: missing secret", i+1)
		}
		urls, err := expandURLs(s.URLs)
		if err != nil {
			return nil, fmt.Errorf("relay server %d: %w", i+1, err)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("relay server %d: no urls", i+1)
		}
		servers = append(servers, Server{URLs: urls, Secret: s.Secret})
	}
	return &Service{
		servers:         servers,
		ttl:             cfg.TTL,
		provider:        cfg.Provider,
		providerTimeout: cfg.ProviderTimeout,
		logger:          logger,
		now:             time.Now,
		cache:           make(map[string]Bundle),
	}, nil
}

// WithClock replaces the time source; intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Configured reports whether any relay source exists.
func (s *Service) Configured() bool {
	return len(s.servers) > 0 || s.provider != nil
}

// needsRefresh reports whether b's earliest expiry is within the refresh window of now.
func needsRefresh(b Bundle, now time.Time) bool {
	return !now.Before(b.ExpiresAt.Add(-RefreshWindow))
}

// Credentials returns the cached bundle for identity, or generates a new one
// when none is cached or the cached one is inside the refresh window.
func (s *Service) Credentials(ctx context.Context, identity string) (Bundle, error) {
	now := s.now()
	s.mu.Lock()
	if b, ok := s.cache[identity]; ok && !needsRefresh(b, now) {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	endpoints := make([]Endpoint, 0, len(s.servers)+1)
	for _, srv := range s.servers {
		endpoints = append(endpoints, generate(srv, now, s.ttl))
	}
	if s.provider != nil {
		endpoints = append(endpoints, s.fetchProvider(ctx)...)
	}
	if len(endpoints) == 0 {
		return Bundle{}, ErrNoRelayServers
	}

	b := newBundle(endpoints)
	s.mu.Lock()
	s.cache[identity] = b
	s.mu.Unlock()
	return b, nil
}

// fetchProvider calls the provider within the request budget. Failures are
// logged and yield no endpoints.
func (s *Service) fetchProvider(ctx context.Context) []Endpoint {
	ctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	endpoints, err := s.provider.Fetch(ctx)
	if err != nil {
		s.providerFailures.Add(1)
		s.logger.Warn("relay provider failed, using local servers only", zap.Error(err))
		return nil
	}
	return endpoints
}

// ProviderFailures returns the number of failed provider calls.
func (s *Service) ProviderFailures() int64 {
	return s.providerFailures.Load()
}

// Forget drops the cached bundle of identity.
func (s *Service) Forget(identity string) {
	s.mu.Lock()
	delete(s.cache, identity)
	s.mu.Unlock()
}

// Sweep purges cached bundles inside the refresh window. Returns the number purged.
func (s *Service) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, b := range s.cache {
		if needsRefresh(b, now) {
			delete(s.cache, id)
			purged++
		}
	}
	return purged
}

// Cached returns the number of cached bundles.
func (s *Service) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Run sweeps the cache every SweepInterval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("relay bundles purged", zap.Int("count", n))
			}
		}
	}
}
