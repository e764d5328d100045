package core

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Segment is a (category, subsection) pairing used to group related
// signals for trend analysis.
type Segment struct {
	Category   Category `json:"category"`
	Subsection string   `json:"subsection"`
}

// RoutingPolicy derives the segment a signal belongs to. The policy is
// injected into the rollup engine; the keyword table below is the default
// implementation, not core logic.
type RoutingPolicy interface {
	Route(sig *Signal) Segment
}

// DefaultSubsection is used when no routing rule matches.
const DefaultSubsection = "general"

// RoutingRule routes signals of one category whose name or details contain
// any of the keywords into a subsection.
type RoutingRule struct {
	Category   Category `yaml:"category"`
	Keywords   []string `yaml:"keywords"`
	Subsection string   `yaml:"subsection"`
}

// KeywordRouter is a RoutingPolicy backed by an ordered keyword table.
// First matching rule wins.
type KeywordRouter struct {
	rules []RoutingRule
}

// NewKeywordRouter builds a router from an ordered rule table. Rules with
// an empty subsection are dropped.
func NewKeywordRouter(rules []RoutingRule) *KeywordRouter {
	kept := make([]RoutingRule, 0, len(rules))
	for _, r := range rules {
		if r.Subsection == "" {
			continue
		}
		for i, kw := range r.Keywords {
			r.Keywords[i] = strings.ToLower(kw)
		}
		kept = append(kept, r)
	}
	return &KeywordRouter{rules: kept}
}

// Route implements RoutingPolicy.
func (kr *KeywordRouter) Route(sig *Signal) Segment {
	haystack := strings.ToLower(sig.Name + " " + sig.Details)
	for _, r := range kr.rules {
		if r.Category != "" && r.Category != sig.Category {
			continue
		}
		if len(r.Keywords) == 0 {
			return Segment{Category: sig.Category, Subsection: r.Subsection}
		}
		for _, kw := range r.Keywords {
			if strings.Contains(haystack, kw) {
				return Segment{Category: sig.Category, Subsection: r.Subsection}
			}
		}
	}
	return Segment{Category: sig.Category, Subsection: DefaultSubsection}
}

// DefaultRoutingRules is the built-in keyword table.
func DefaultRoutingRules() []RoutingRule {
	return []RoutingRule{
		{Category: CategoryPrograms, Keywords: []string{"inject", "hook", "patch"}, Subsection: "injection"},
		{Category: CategoryPrograms, Keywords: []string{"debug", "tracer"}, Subsection: "debuggers"},
		{Category: CategoryPrograms, Keywords: []string{"overlay", "esp", "aim"}, Subsection: "overlays"},
		{Category: CategoryNetwork, Keywords: []string{"proxy", "vpn", "tunnel"}, Subsection: "tunneling"},
		{Category: CategoryNetwork, Keywords: []string{"packet", "sniff", "capture"}, Subsection: "interception"},
		{Category: CategoryBehaviour, Keywords: []string{"macro", "rapid", "click"}, Subsection: "automation"},
		{Category: CategoryBehaviour, Keywords: []string{"timing", "anomaly"}, Subsection: "anomalies"},
		{Category: CategoryVM, Keywords: []string{"hypervisor", "vbox", "vmware", "qemu"}, Subsection: "virtualization"},
		{Category: CategoryAuto, Keywords: []string{"script", "bot"}, Subsection: "scripting"},
		{Category: CategorySystem, Keywords: []string{"session", "shutdown", "boot"}, Subsection: "lifecycle"},
	}
}

// LoadRoutingRules reads a keyword table from a YAML file. Unknown fields
// are rejected rather than silently merged.
func LoadRoutingRules(path string) ([]RoutingRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing table: %w", err)
	}
	defer f.Close()

	var rules []RoutingRule
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode routing table %s: %w", path, err)
	}
	return rules, nil
}
