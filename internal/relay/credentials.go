// Package relay issues time-bounded credentials for media relay (TURN) servers.
//
// Credentials follow the TURN REST scheme shared with coturn:
//
//	username   = <unix_expiry_timestamp>
//	credential = base64(hmac_sha1(shared_secret, username))
package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
)

var urlPattern = regexp.MustCompile(`^turns?:[A-Za-z0-9.-]+:[0-9]{1,5}(\?transport=(udp|tcp))?$`)

// ValidURL reports whether u is a relay URL of the form turn(s):host:port[?transport=udp|tcp].
func ValidURL(u string) bool {
	return urlPattern.MatchString(u)
}

// Endpoint is one relay server entry with its credentials.
type Endpoint struct {
	URLs       []string  `json:"urls"`
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ICEServer converts the endpoint to the peer-connection configuration form.
func (e Endpoint) ICEServer() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:           append([]string(nil), e.URLs...),
		Username:       e.Username,
		Credential:     e.Credential,
		CredentialType: webrtc.ICECredentialTypePassword,
	}
}

// Bundle is an ordered list of endpoints. ExpiresAt is the earliest endpoint expiry.
type Bundle struct {
	Endpoints []Endpoint `json:"endpoints"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// ICEServers returns the bundle as peer-connection ICE servers.
func (b Bundle) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(b.Endpoints))
	for _, e := range b.Endpoints {
		out = append(out, e.ICEServer())
	}
	return out
}

func newBundle(endpoints []Endpoint) Bundle {
	b := Bundle{Endpoints: endpoints}
	for i, e := range endpoints {
		if i == 0 || e.ExpiresAt.Before(b.ExpiresAt) {
			b.ExpiresAt = e.ExpiresAt
		}
	}
	return b
}

// Server is a configured relay with the secret it shares with this service.
type Server struct {
	URLs   []string
	Secret string
}

// expandURLs turns each configured URL into its transport variants: a bare
// turn: URL yields udp and tcp, a bare turns: URL yields tcp (TLS).
func expandURLs(urls []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if !ValidURL(u) {
			return nil, fmt.Errorf("invalid relay url %q", u)
		}
		switch {
		case strings.Contains(u, "?transport="):
			add(u)
		case strings.HasPrefix(u, "turns:"):
			add(u + "?transport=tcp")
		default:
			add(u + "?transport=udp")
			add(u + "?transport=tcp")
		}
	}
	return out, nil
}

// sign computes the TURN REST credential for username.
func sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// generate issues credentials for one server valid until now+ttl.
func generate(s Server, now time.Time, ttl time.Duration) Endpoint {
	expiresAt := now.Add(ttl).Truncate(time.Second)
	username := strconv.FormatInt(expiresAt.Unix(), 10)
	return Endpoint{
		URLs:       append([]string(nil), s.URLs...),
		Username:   username,
		Credential: sign(s.Secret, username),
		ExpiresAt:  expiresAt,
	}
}
