package secrets

import (
	"regexp"
	"sort"
)

// Result is the outcome of one scrub. Matched values are never retained.
type Result struct {
	Scrubbed string
	ByRule   map[string]int
	Total    int
}

// Scrubber redacts rule matches. It is safe for concurrent use.
type Scrubber struct {
	enabled     bool
	replacement string
	rules       []compiledRule
	allow       []*regexp.Regexp
}

// New compiles cfg.
func New(cfg Config) (*Scrubber, error) {
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if cfg.Replacement == "" {
		cfg.Replacement = "[REDACTED]"
	}
	return &Scrubber{
		enabled:     cfg.Enabled,
		replacement: cfg.Replacement,
		rules:       rules,
		allow:       allow,
	}, nil
}

// MustNew is New that panics on an invalid configuration.
func MustNew(cfg Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

type span struct{ start, end int }

// Scrub redacts content. Overlapping matches collapse into one marker.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	if s == nil || !s.enabled || content == "" {
		return res
	}

	var spans []span
	for _, r := range s.rules {
		if !r.applies(content) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if m[0] == m[1] || s.allowed(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.ByRule[r.id]++
			res.Total++
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(content))
	prev := 0
	for _, sp := range merged {
		out = append(out, content[prev:sp.start]...)
		out = append(out, s.replacement...)
		prev = sp.end
	}
	out = append(out, content[prev:]...)
	res.Scrubbed = string(out)
	return res
}

// Redact returns content with every match replaced.
func (s *Scrubber) Redact(content string) string {
	return s.Scrub(content).Scrubbed
}

// Enabled reports whether scrubbing is active.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, p := range s.allow {
		if p.MatchString(match) {
			return true
		}
	}
	return false
}
