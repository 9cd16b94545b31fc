package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestValidURL(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"turn:relay.example.com:3478", true},
		{"turns:relay.example.com:5349", true},
		{"turn:10.0.0.1:3478?transport=udp", true},
		{"turn:relay.example.com:3478?transport=tcp", true},
		{"turn:relay.example.com:3478?transport=sctp", false},
		{"stun:stun.example.com:3478", false},
		{"turn:relay.example.com", false},
		{"turn://relay.example.com:3478", false},
		{"turn:relay.example.com:3478 ", false},
	}
	for _, tt := range tests {
		if got := ValidURL(tt.in); got != tt.ok {
			t.Errorf("ValidURL(%q) = %v, want %v", tt.in, got, tt.ok)
		}
	}
}

func TestExpandURLs(t *testing.T) {
	got, err := expandURLs([]string{"turn:a.example.com:3478", "turns:a.example.com:5349", "turn:b.example.com:80?transport=tcp"})
	if err != nil {
		t.Fatalf("expandURLs: %v", err)
	}
	want := []string{
		"turn:a.example.com:3478?transport=udp",
		"turn:a.example.com:3478?transport=tcp",
		"turns:a.example.com:5349?transport=tcp",
		"turn:b.example.com:80?transport=tcp",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, err := expandURLs([]string{"http://nope"}); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestCredentialsTURNREST(t *testing.T) {
	clock := &fakeClock{now: epoch}
	svc, err := NewService(Config{
		Servers: []Server{{URLs: []string{"turn:relay.example.com:3478"}, Secret: "shared"}},
		TTL:     24 * time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.WithClock(clock.Now)

	b, err := svc.Credentials(context.Background(), "conn-a")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if len(b.Endpoints) != 1 {
		t.Fatalf("endpoints = %d", len(b.Endpoints))
	}
	e := b.Endpoints[0]
	wantUser := strconv.FormatInt(epoch.Add(24*time.Hour).Unix(), 10)
	if e.Username != wantUser {
		t.Fatalf("username = %q, want %q", e.Username, wantUser)
	}
	mac := hmac.New(sha1.New, []byte("shared"))
	mac.Write([]byte(wantUser))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); e.Credential != want {
		t.Fatalf("credential = %q, want %q", e.Credential, want)
	}
	if len(e.URLs) != 2 {
		t.Fatalf("urls = %v", e.URLs)
	}
	ice := b.ICEServers()
	if len(ice) != 1 || ice[0].Username != wantUser || ice[0].Credential != e.Credential {
		t.Fatalf("ice servers = %+v", ice)
	}
}

func TestCredentialsNoRelayServers(t *testing.T) {
	svc, err := NewService(Config{}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Configured() {
		t.Fatal("service reports configured")
	}
	if _, err := svc.Credentials(context.Background(), "conn-a"); !errors.Is(err, ErrNoRelayServers) {
		t.Fatalf("err = %v, want ErrNoRelayServers", err)
	}
}

func TestNewServiceRejectsInvalidURL(t *testing.T) {
	_, err := NewService(Config{Servers: []Server{{URLs: []string{"turn:bad host:1"}, Secret: "s"}}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCacheRefreshWindow(t *testing.T) {
	clock := &fakeClock{now: epoch}
	svc, _ := NewService(Config{
		Servers: []Server{{URLs: []string{"turn:relay.example.com:3478"}, Secret: "shared"}},
		TTL:     time.Hour,
	}, nil)
	svc.WithClock(clock.Now)

	first, _ := svc.Credentials(context.Background(), "conn-a")

	// Just outside the refresh window: cached bundle is reused.
	clock.Set(first.ExpiresAt.Add(-RefreshWindow - time.Second))
	second, _ := svc.Credentials(context.Background(), "conn-a")
	if second.Endpoints[0].Username != first.Endpoints[0].Username {
		t.Fatal("bundle regenerated outside the refresh window")
	}

	// Exactly at expiry-5min: regenerated.
	clock.Set(first.ExpiresAt.Add(-RefreshWindow))
	third, _ := svc.Credentials(context.Background(), "conn-a")
	if third.Endpoints[0].Username == first.Endpoints[0].Username {
		t.Fatal("bundle not regenerated inside the refresh window")
	}
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: epoch}
	svc, _ := NewService(Config{
		Servers: []Server{{URLs: []string{"turn:relay.example.com:3478"}, Secret: "shared"}},
		TTL:     time.Hour,
	}, nil)
	svc.WithClock(clock.Now)

	svc.Credentials(context.Background(), "conn-a")
	clock.Set(epoch.Add(10 * time.Minute))
	svc.Credentials(context.Background(), "conn-b")

	clock.Set(epoch.Add(56 * time.Minute))
	if n := svc.Sweep(); n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if svc.Cached() != 1 {
		t.Fatalf("cached = %d", svc.Cached())
	}
}

func newProviderServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestProviderAppended(t *testing.T) {
	base := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if r.Method != http.MethodPost || r.URL.Path != "/Accounts/AC123/Tokens.json" || !ok || user != "AC123" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ttl":"600","ice_servers":[
			{"url":"stun:global.stun.example.com:3478","urls":"stun:global.stun.example.com:3478"},
			{"url":"turn:global.turn.example.com:3478?transport=udp","urls":"turn:global.turn.example.com:3478?transport=udp","username":"u1","credential":"c1"},
			{"urls":["turn:global.turn.example.com:443?transport=tcp","stun:x.example.com:1"],"username":"u2","credential":"c2"}
		]}`))
	})

	clock := &fakeClock{now: epoch}
	provider := NewTokenProvider(base, "AC123", "tok", nil)
	provider.now = clock.Now
	svc, _ := NewService(Config{
		Servers:  []Server{{URLs: []string{"turn:relay.example.com:3478"}, Secret: "shared"}},
		TTL:      24 * time.Hour,
		Provider: provider,
	}, nil)
	svc.WithClock(clock.Now)

	b, err := svc.Credentials(context.Background(), "conn-a")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if len(b.Endpoints) != 3 {
		t.Fatalf("endpoints = %+v", b.Endpoints)
	}
	if b.Endpoints[2].URLs[0] != "turn:global.turn.example.com:443?transport=tcp" || len(b.Endpoints[2].URLs) != 1 {
		t.Fatalf("provider urls not filtered: %v", b.Endpoints[2].URLs)
	}
	if !b.ExpiresAt.Equal(epoch.Add(10 * time.Minute)) {
		t.Fatalf("aggregate expiry = %v, want provider expiry", b.ExpiresAt)
	}
}

func TestProviderFailureFallsBackToLocal(t *testing.T) {
	release := make(chan struct{})
	base := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	svc, _ := NewService(Config{
		Servers:         []Server{{URLs: []string{"turn:relay.example.com:3478"}, Secret: "shared"}},
		Provider:        NewTokenProvider(base, "AC123", "tok", nil),
		ProviderTimeout: 50 * time.Millisecond,
	}, nil)

	start := time.Now()
	b, err := svc.Credentials(context.Background(), "conn-a")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("provider budget not enforced")
	}
	if len(b.Endpoints) != 1 || svc.ProviderFailures() != 1 {
		t.Fatalf("endpoints = %d failures = %d", len(b.Endpoints), svc.ProviderFailures())
	}
}

func TestProviderOnlyFailureIsNoRelayServers(t *testing.T) {
	base := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	svc, _ := NewService(Config{Provider: NewTokenProvider(base, "AC123", "tok", nil)}, nil)
	if _, err := svc.Credentials(context.Background(), "conn-a"); !errors.Is(err, ErrNoRelayServers) {
		t.Fatalf("err = %v, want ErrNoRelayServers", err)
	}
}
