package urlnorm

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// RuleSet is the data side of normalization: which query parameters are
// tracking noise, which paths and extensions never carry article content,
// and which hosts are link shorteners. It is configuration, not code, so
// deployments can extend the lists without touching the algorithm.
type RuleSet struct {
	TrackingParams       []string `yaml:"tracking_params"`
	NonContentPrefixes   []string `yaml:"non_content_prefixes"`
	NonContentExtensions []string `yaml:"non_content_extensions"`
	ShortenerDomains     []string `yaml:"shortener_domains"`
}

// DefaultRules returns the embedded default rule set.
func DefaultRules() *RuleSet {
	var rs RuleSet
	// The embedded file is validated by tests; a parse failure here is a
	// build defect, not a runtime condition.
	if err := yaml.Unmarshal(defaultRulesYAML, &rs); err != nil {
		panic("urlnorm: embedded rules.yaml invalid: " + err.Error())
	}
	return &rs
}

// LoadRules reads a rule-set override from a yaml file. Sections omitted
// from the file keep the embedded defaults.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("urlnorm: read rules: %w", err)
	}
	rs := DefaultRules()
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("urlnorm: parse rules %s: %w", path, err)
	}
	return rs, nil
}

// compiled is the lookup form of a RuleSet.
type compiled struct {
	tracking   map[string]bool
	prefixes   []string
	extensions map[string]bool
	shorteners map[string]bool
}

func compile(rs *RuleSet) *compiled {
	c := &compiled{
		tracking:   make(map[string]bool, len(rs.TrackingParams)),
		extensions: make(map[string]bool, len(rs.NonContentExtensions)),
		shorteners: make(map[string]bool, len(rs.ShortenerDomains)),
	}
	for _, p := range rs.TrackingParams {
		c.tracking[strings.ToLower(p)] = true
	}
	for _, p := range rs.NonContentPrefixes {
		c.prefixes = append(c.prefixes, strings.ToLower(p))
	}
	for _, e := range rs.NonContentExtensions {
		c.extensions[strings.ToLower(e)] = true
	}
	for _, d := range rs.ShortenerDomains {
		c.shorteners[strings.ToLower(d)] = true
	}
	return c
}
