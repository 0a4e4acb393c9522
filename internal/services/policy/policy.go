package policy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type RuleType string

const (
	AllowlistRule      RuleType = "allowlist"
	SpendingLimitRule  RuleType = "spending_limit"
	ContractMethodRule RuleType = "contract_method"
	RateLimitRule      RuleType = "rate_limit"
)

// Policy is read-only for the accountant; it is loaded from a Store before
// every evaluation.
type Policy struct {
	Id                  string
	Name                string
	NetworkId           uint64
	Rules               []*Rule
	Active              bool
	DailyLimit          *decimal.Decimal
	MonthlyLimit        *decimal.Decimal
	PerTransactionLimit *decimal.Decimal
}

// Rule is one condition of a policy. Only the fields of its Type are set.
type Rule struct {
	Type        RuleType
	Enabled     bool
	Description string

	// allowlist; empty means every sender passes
	Addresses map[string]bool

	// spending_limit; nil falls back to the policy limit of the same period
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal

	// contract_method
	MethodSelectors map[[4]byte]bool

	// rate_limit
	MaxPerHour int
}

// Subject is what rules are evaluated against: the request plus the user's
// spend before the request's own cost is added.
type Subject struct {
	From         string
	CallData     []byte
	DailySpent   decimal.Decimal
	MonthlySpent decimal.Decimal
	HourlyCount  int
}

type ErrNotEligible struct {
	msg string
}

func (e ErrNotEligible) Error() string {
	return e.msg
}

func notEligible(r *Rule, format string, args ...interface{}) ErrNotEligible {
	msg := fmt.Sprintf(format, args...)
	if r.Description != "" {
		msg = r.Description + ": " + msg
	}
	return ErrNotEligible{msg: msg}
}

// Evaluate runs the enabled rules in order and returns the first failure.
func (p *Policy) Evaluate(s Subject) error {
	for _, r := range p.Rules {
		if !r.Enabled {
			continue
		}
		if err := r.check(p, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rule) check(p *Policy, s Subject) error {
	switch r.Type {
	case AllowlistRule:
		if len(r.Addresses) > 0 && !r.Addresses[s.From] {
			return notEligible(r, "sender %s is not in allowlist", s.From)
		}
	case SpendingLimitRule:
		daily, monthly := r.DailyLimit, r.MonthlyLimit
		if daily == nil {
			daily = p.DailyLimit
		}
		if monthly == nil {
			monthly = p.MonthlyLimit
		}
		if daily != nil && !s.DailySpent.LessThan(*daily) {
			return notEligible(r, "daily spending limit reached (%s of %s)", s.DailySpent, daily)
		}
		if monthly != nil && !s.MonthlySpent.LessThan(*monthly) {
			return notEligible(r, "monthly spending limit reached (%s of %s)", s.MonthlySpent, monthly)
		}
	case ContractMethodRule:
		if len(s.CallData) == 0 {
			return nil
		}
		if len(s.CallData) < 4 {
			return notEligible(r, "call data shorter than a method selector")
		}
		var selector [4]byte
		copy(selector[:], s.CallData[:4])
		if !r.MethodSelectors[selector] {
			return notEligible(r, "contract method 0x%x is not allowed", selector)
		}
	case RateLimitRule:
		if s.HourlyCount >= r.MaxPerHour {
			return notEligible(r, "hourly rate limit reached (%d of %d)", s.HourlyCount, r.MaxPerHour)
		}
	default:
		return notEligible(r, "unknown rule type %q", r.Type)
	}
	return nil
}

// WithDefaults returns a copy of the policy with missing period limits filled in.
func (p *Policy) WithDefaults(daily, monthly *decimal.Decimal) *Policy {
	c := *p
	if c.DailyLimit == nil {
		c.DailyLimit = daily
	}
	if c.MonthlyLimit == nil {
		c.MonthlyLimit = monthly
	}
	return &c
}
