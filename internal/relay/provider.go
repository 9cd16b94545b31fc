package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Provider fetches relay endpoints from an external relay vendor.
type Provider interface {
	Fetch(ctx context.Context) ([]Endpoint, error)
}

// TokenProvider requests network traversal tokens from a Twilio-compatible
// API, authenticating with the account id and token.
type TokenProvider struct {
	baseURL    string
	accountID  string
	authToken  string
	httpClient *http.Client
	now        func() time.Time
}

// NewTokenProvider creates a provider client. baseURL is the API root, e.g.
// https://api.twilio.com/2010-04-01.
func NewTokenProvider(baseURL, accountID, authToken string, httpClient *http.Client) *TokenProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountID:  accountID,
		authToken:  authToken,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type tokenResponse struct {
	TTL        flexInt          `json:"ttl"`
	ICEServers []providerServer `json:"ice_servers"`
}

type providerServer struct {
	URL        string              `json:"url"`
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username"`
	Credential string              `json:"credential"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// flexInt accepts both 86400 and "86400".
type flexInt int64

func (n *flexInt) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

// Fetch requests a token and returns the relay endpoints it carries. URLs
// outside the strict relay pattern (e.g. stun:) are dropped.
func (p *TokenProvider) Fetch(ctx context.Context) ([]Endpoint, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Tokens.json", p.baseURL, url.PathEscape(p.accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(p.accountID, p.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider status: %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	ttl := time.Duration(body.TTL) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	expiresAt := p.now().Add(ttl).Truncate(time.Second)

	var out []Endpoint
	for _, s := range body.ICEServers {
		candidates := []string(s.URLs)
		if len(candidates) == 0 && s.URL != "" {
			candidates = []string{s.URL}
		}
		var urls []string
		for _, u := range candidates {
			if u = strings.TrimSpace(u); ValidURL(u) {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 || s.Username == "" || s.Credential == "" {
			continue
		}
		out = append(out, Endpoint{
			URLs:       urls,
			Username:   s.Username,
			Credential: s.Credential,
			ExpiresAt:  expiresAt,
		})
	}
	return out, nil
}
