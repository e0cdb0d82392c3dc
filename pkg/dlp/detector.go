package dlp

import (
	"regexp"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Detector struct {
	rules []compiledRule
}

func NewDetector(cfg RulesConfig) (*Detector, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Detector{rules: compiled}, nil
}

// MustDefault builds a detector from DefaultRules, which always compile.
func MustDefault() *Detector {
	d, err := NewDetector(DefaultRules())
	if err != nil {
		panic(err)
	}
	return d
}

// Redact masks every rule match in text. Used on failure reasons and audit
// detail before they leave the request.
func (d *Detector) Redact(text string) string {
	if d == nil {
		return text
	}
	for _, rule := range d.rules {
		text = rule.re.ReplaceAllString(text, rule.rule.Mask)
	}
	return text
}
