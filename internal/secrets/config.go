package secrets

import (
	"fmt"
	"regexp"
)

// Config configures the scrubber.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Replacement is substituted for every match (default "[REDACTED]").
	Replacement string `koanf:"replacement"`

	// Rules replaces the default rules when non-empty.
	Rules []Rule `koanf:"rules"`

	// AllowList holds patterns whose matches are left in place.
	AllowList []string `koanf:"allow_list"`
}

// Rule is one detection pattern.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`

	// Keywords gate the rule: it only runs when one is present
	// (case-insensitive).
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables scrubbing with the default rules.
func DefaultConfig() Config {
	return Config{Enabled: true, Replacement: "[REDACTED]"}
}

// Validate compiles every pattern.
func (c Config) Validate() error {
	_, _, err := c.compile()
	return err
}

func (c Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := c.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		p, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern %q", r.ID, r.Pattern)
		}
		cr := compiledRule{id: r.ID, pattern: p}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		compiled = append(compiled, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, a := range c.AllowList {
		p, err := regexp.Compile(a)
		if err != nil {
			return nil, nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		allow = append(allow, p)
	}
	return compiled, allow, nil
}
