package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Store resolves the sponsorship policy of a network. A nil policy with a nil
// error means the network has no policy.
type Store interface {
	GetPolicy(ctx context.Context, networkId uint64) (*Policy, error)
}

// Static serves a fixed set of policies. When a network has several, the first
// active one wins.
type Static struct {
	byNetwork map[uint64][]*Policy
}

func NewStatic(policies ...*Policy) *Static {
	s := &Static{byNetwork: make(map[uint64][]*Policy)}
	for _, p := range policies {
		s.byNetwork[p.NetworkId] = append(s.byNetwork[p.NetworkId], p)
	}
	return s
}

func (s *Static) GetPolicy(_ context.Context, networkId uint64) (*Policy, error) {
	candidates := s.byNetwork[networkId]
	for _, p := range candidates {
		if p.Active {
			return p, nil
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return nil, nil
}

func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	policies, err := ParseYAML(b)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %s: %w", path, err)
	}
	return NewStatic(policies...), nil
}

// Dashboard fetches policies from the gas manager dashboard API:
// GET {endpoint}/policies?networkId={id} returning a Document.
type Dashboard struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewDashboard(endpoint, apiKey string, client ...*http.Client) *Dashboard {
	d := &Dashboard{endpoint: strings.TrimRight(endpoint, "/"), apiKey: apiKey, http: http.DefaultClient}
	if len(client) > 0 {
		d.http = client[0]
	}
	return d
}

func (d *Dashboard) GetPolicy(ctx context.Context, networkId uint64) (*Policy, error) {
	var doc Document
	var missing bool

	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/policies?networkId="+strconv.FormatUint(networkId, 10), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("dashboard: create req: %w", err))
		}
		req.Header.Add("Accept", "application/json")
		if d.apiKey != "" {
			req.Header.Add("Authorization", "Bearer "+d.apiKey)
		}

		resp, err := d.http.Do(req)
		if err != nil {
			return fmt.Errorf("dashboard: do req: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck

		switch {
		case resp.StatusCode == http.StatusNotFound:
			missing = true
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("dashboard: status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("dashboard: status %d", resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return backoff.Permanent(fmt.Errorf("dashboard: decode response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(fetch, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)); err != nil {
		return nil, err
	}
	if missing {
		return nil, nil
	}

	policies, err := doc.Decode()
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	return NewStatic(policies...).GetPolicy(ctx, networkId)
}
