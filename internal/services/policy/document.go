package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Document is the wire form of a policy set, shared by the YAML file and the
// dashboard API. Amounts are strings so no float rounding happens on decode.
type Document struct {
	Version  int           `yaml:"version" json:"version"`
	Policies []PolicyEntry `yaml:"policies" json:"policies"`
}

type PolicyEntry struct {
	Id                  string      `yaml:"id" json:"id"`
	Name                string      `yaml:"name" json:"name"`
	NetworkId           uint64      `yaml:"networkId" json:"networkId"`
	Active              bool        `yaml:"active" json:"active"`
	DailyLimit          string      `yaml:"dailyLimit,omitempty" json:"dailyLimit,omitempty"`
	MonthlyLimit        string      `yaml:"monthlyLimit,omitempty" json:"monthlyLimit,omitempty"`
	PerTransactionLimit string      `yaml:"perTransactionLimit,omitempty" json:"perTransactionLimit,omitempty"`
	Rules               []RuleEntry `yaml:"rules" json:"rules"`
}

type RuleEntry struct {
	Type            RuleType `yaml:"type" json:"type"`
	Enabled         *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Addresses       []string `yaml:"addresses,omitempty" json:"addresses,omitempty"`
	DailyLimit      string   `yaml:"dailyLimit,omitempty" json:"dailyLimit,omitempty"`
	MonthlyLimit    string   `yaml:"monthlyLimit,omitempty" json:"monthlyLimit,omitempty"`
	MethodSelectors []string `yaml:"methodSelectors,omitempty" json:"methodSelectors,omitempty"`
	MaxPerHour      int      `yaml:"maxPerHour,omitempty" json:"maxPerHour,omitempty"`
}

func ParseYAML(b []byte) ([]*Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc.Decode()
}

// Decode validates the document and converts it to policies.
func (d Document) Decode() ([]*Policy, error) {
	if d.Version != 1 {
		return nil, errors.New("policy: unsupported version")
	}
	res := make([]*Policy, 0, len(d.Policies))
	for i, entry := range d.Policies {
		p, err := entry.Policy()
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		res = append(res, p)
	}
	return res, nil
}

func (e PolicyEntry) Policy() (*Policy, error) {
	if e.Id == "" {
		return nil, errors.New("missing id")
	}
	if e.NetworkId == 0 {
		return nil, errors.New("missing networkId")
	}
	p := &Policy{Id: e.Id, Name: e.Name, NetworkId: e.NetworkId, Active: e.Active}

	var err error
	if p.DailyLimit, err = parseAmount("dailyLimit", e.DailyLimit); err != nil {
		return nil, err
	}
	if p.MonthlyLimit, err = parseAmount("monthlyLimit", e.MonthlyLimit); err != nil {
		return nil, err
	}
	if p.PerTransactionLimit, err = parseAmount("perTransactionLimit", e.PerTransactionLimit); err != nil {
		return nil, err
	}

	for i, re := range e.Rules {
		r, err := re.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

func (e RuleEntry) Rule() (*Rule, error) {
	r := &Rule{Type: e.Type, Enabled: true, Description: e.Description}
	if e.Enabled != nil {
		r.Enabled = *e.Enabled
	}

	var err error
	switch e.Type {
	case AllowlistRule:
		r.Addresses = make(map[string]bool, len(e.Addresses))
		for _, addr := range e.Addresses {
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("invalid allowlist address %q", addr)
			}
			r.Addresses[strings.ToLower(common.HexToAddress(addr).Hex())] = true
		}
	case SpendingLimitRule:
		if r.DailyLimit, err = parseAmount("dailyLimit", e.DailyLimit); err != nil {
			return nil, err
		}
		if r.MonthlyLimit, err = parseAmount("monthlyLimit", e.MonthlyLimit); err != nil {
			return nil, err
		}
	case ContractMethodRule:
		r.MethodSelectors = make(map[[4]byte]bool, len(e.MethodSelectors))
		for _, sel := range e.MethodSelectors {
			raw, err := hexutil.Decode(sel)
			if err != nil || len(raw) != 4 {
				return nil, fmt.Errorf("invalid method selector %q", sel)
			}
			var key [4]byte
			copy(key[:], raw)
			r.MethodSelectors[key] = true
		}
	case RateLimitRule:
		if e.MaxPerHour <= 0 {
			return nil, fmt.Errorf("maxPerHour must be positive, got %d", e.MaxPerHour)
		}
		r.MaxPerHour = e.MaxPerHour
	default:
		return nil, fmt.Errorf("unknown rule type %q", e.Type)
	}
	return r, nil
}

// Entry converts the policy back to its wire form, e.g. to serve it over HTTP.
// Addresses and selectors are sorted.
func (p *Policy) Entry() PolicyEntry {
	e := PolicyEntry{
		Id:                  p.Id,
		Name:                p.Name,
		NetworkId:           p.NetworkId,
		Active:              p.Active,
		DailyLimit:          formatAmount(p.DailyLimit),
		MonthlyLimit:        formatAmount(p.MonthlyLimit),
		PerTransactionLimit: formatAmount(p.PerTransactionLimit),
		Rules:               make([]RuleEntry, 0, len(p.Rules)),
	}
	for _, r := range p.Rules {
		e.Rules = append(e.Rules, r.Entry())
	}
	return e
}

func (r *Rule) Entry() RuleEntry {
	enabled := r.Enabled
	e := RuleEntry{
		Type:         r.Type,
		Enabled:      &enabled,
		Description:  r.Description,
		DailyLimit:   formatAmount(r.DailyLimit),
		MonthlyLimit: formatAmount(r.MonthlyLimit),
		MaxPerHour:   r.MaxPerHour,
	}
	for addr := range r.Addresses {
		e.Addresses = append(e.Addresses, addr)
	}
	sort.Strings(e.Addresses)
	for sel := range r.MethodSelectors {
		e.MethodSelectors = append(e.MethodSelectors, hexutil.Encode(sel[:]))
	}
	sort.Strings(e.MethodSelectors)
	return e
}

func formatAmount(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func parseAmount(field, v string) (*decimal.Decimal, error) {
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%s: negative amount %s", field, v)
	}
	return &d, nil
}
