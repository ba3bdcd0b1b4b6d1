// Package policy holds the per-platform content restriction tables the
// compliance engine evaluates against. Tables are immutable snapshots: a
// reload builds a fresh table and swaps it in, so evaluations that already
// started keep the rules they started with.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"canopy-ads/internal/core/domain"
)

const (
	// DefaultApprovalThreshold is the minimum score for an Approved verdict.
	DefaultApprovalThreshold = 0.85
	// DefaultRejectionFloor is the score below which content is Rejected
	// outright instead of sent back for revision.
	DefaultRejectionFloor = 0.5
)

// PlatformPolicy is the compiled rule set for one platform.
type PlatformPolicy struct {
	Platform           domain.Platform
	Allowed            bool // platform accepts the product category at all
	ApprovalThreshold  float64
	RejectionFloor     float64
	Rules              []domain.ComplianceRule
	Workarounds        []string
	CreativeStrategies []string
	BestPractices      []string

	matchers []*regexp.Regexp // parallel to Rules
}

// UniformWeight returns the effective weight for rules that do not declare
// their own: 1/ruleCount, or zero when the platform has no rules.
func (p PlatformPolicy) UniformWeight() float64 {
	if len(p.Rules) == 0 {
		return 0
	}
	return 1.0 / float64(len(p.Rules))
}

// Match counts word-boundary occurrences of rule i's term in the payload.
// Payloads are matched case-insensitively.
func (p PlatformPolicy) Match(i int, payload string) int {
	return len(p.matchers[i].FindAllStringIndex(strings.ToLower(payload), -1))
}

// Table is an immutable snapshot of every platform's policy.
type Table struct {
	platforms map[domain.Platform]PlatformPolicy
}

// Policy looks up one platform's rules.
func (t *Table) Policy(p domain.Platform) (PlatformPolicy, bool) {
	pp, ok := t.platforms[p]
	return pp, ok
}

// Platforms returns the configured platforms in stable order.
func (t *Table) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(t.platforms))
	for p := range t.platforms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of configured platforms.
func (t *Table) Len() int { return len(t.platforms) }

// fileSpec mirrors the YAML layout of a policy file.
type fileSpec struct {
	Platforms map[string]platformSpec `yaml:"platforms"`
}

type platformSpec struct {
	Allowed              *bool               `yaml:"allowed"`
	ApprovalThreshold    *float64            `yaml:"approval_threshold"`
	RejectionFloor       *float64            `yaml:"rejection_floor"`
	RestrictedTerms      []string            `yaml:"restricted_terms"`
	RestrictedCategories map[string][]string `yaml:"restricted_categories"`
	TermWeights          map[string]float64  `yaml:"term_weights"`
	Workarounds          []string            `yaml:"workarounds"`
	CreativeStrategies   []string            `yaml:"creative_strategies"`
	BestPractices        []string            `yaml:"best_practices"`
}

// Parse builds a Table from YAML policy data.
func Parse(data []byte) (*Table, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(spec.Platforms) == 0 {
		return nil, fmt.Errorf("parse policy: no platforms defined")
	}

	platforms := make(map[domain.Platform]PlatformPolicy, len(spec.Platforms))
	for name, ps := range spec.Platforms {
		platform := domain.Platform(strings.ToLower(strings.TrimSpace(name)))
		if platform == "" {
			return nil, fmt.Errorf("parse policy: empty platform name")
		}

		pp := PlatformPolicy{
			Platform:           platform,
			Allowed:            true,
			ApprovalThreshold:  DefaultApprovalThreshold,
			RejectionFloor:     DefaultRejectionFloor,
			Workarounds:        ps.Workarounds,
			CreativeStrategies: ps.CreativeStrategies,
			BestPractices:      ps.BestPractices,
		}
		if ps.Allowed != nil {
			pp.Allowed = *ps.Allowed
		}
		if ps.ApprovalThreshold != nil {
			pp.ApprovalThreshold = *ps.ApprovalThreshold
		}
		if ps.RejectionFloor != nil {
			pp.RejectionFloor = *ps.RejectionFloor
		}
		if pp.RejectionFloor > pp.ApprovalThreshold {
			return nil, fmt.Errorf("parse policy: %s: rejection floor %v above approval threshold %v",
				platform, pp.RejectionFloor, pp.ApprovalThreshold)
		}

		for _, term := range ps.RestrictedTerms {
			pp.Rules = append(pp.Rules, domain.ComplianceRule{
				Platform: platform,
				Term:     strings.ToLower(strings.TrimSpace(term)),
				Weight:   ps.TermWeights[strings.ToLower(term)],
			})
		}
		// Category entries expand into one rule per term, tagged with the
		// category label so results can report what tripped.
		for category, terms := range ps.RestrictedCategories {
			for _, term := range terms {
				pp.Rules = append(pp.Rules, domain.ComplianceRule{
					Platform: platform,
					Term:     strings.ToLower(strings.TrimSpace(term)),
					Category: category,
					Weight:   ps.TermWeights[strings.ToLower(term)],
				})
			}
		}
		for _, rule := range pp.Rules {
			if rule.Term == "" {
				return nil, fmt.Errorf("parse policy: %s: empty restricted term", platform)
			}
			if rule.Weight < 0 || rule.Weight > 1 {
				return nil, fmt.Errorf("parse policy: %s: weight %v for %q out of [0,1]", platform, rule.Weight, rule.Term)
			}
		}
		sort.SliceStable(pp.Rules, func(i, j int) bool { return pp.Rules[i].Term < pp.Rules[j].Term })
		pp.compile()
		platforms[platform] = pp
	}
	return &Table{platforms: platforms}, nil
}

// LoadFile reads and parses a YAML policy file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

func (p *PlatformPolicy) compile() {
	p.matchers = make([]*regexp.Regexp, len(p.Rules))
	for i, rule := range p.Rules {
		term := regexp.QuoteMeta(rule.Term)
		p.matchers[i] = regexp.MustCompile(`\b` + term + `\b`)
	}
}

func build(platforms ...PlatformPolicy) *Table {
	m := make(map[domain.Platform]PlatformPolicy, len(platforms))
	for _, pp := range platforms {
		sort.SliceStable(pp.Rules, func(i, j int) bool { return pp.Rules[i].Term < pp.Rules[j].Term })
		pp.compile()
		m[pp.Platform] = pp
	}
	return &Table{platforms: m}
}
