package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FilterRules holds the deterministic pre-classification filters: spam
// keywords and the sender domains exempt from the noreply heuristic. Loaded
// from YAML so the rules can change without a deploy.
type FilterRules struct {
	SpamKeywords   []string `yaml:"spam_keywords"`
	TrustedDomains []string `yaml:"trusted_domains"`
}

func LoadFilterRules(path string) (*FilterRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter rules: %w", err)
	}
	var rules FilterRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse filter rules yaml: %w", err)
	}
	return &rules, nil
}

func defaultFilterRules() *FilterRules {
	return &FilterRules{
		SpamKeywords: []string{
			"unsubscribe", "click here", "act now", "limited time",
			"make money", "work from home", "lottery", "you won",
			"claim your prize", "free money", "casino",
		},
		TrustedDomains: []string{"microsoft.com", "asana.com"},
	}
}

// loadFilterRulesIfConfigured falls back to the built-in rules when no path
// is set.
func loadFilterRulesIfConfigured(path string) (*FilterRules, error) {
	if strings.TrimSpace(path) == "" {
		return defaultFilterRules(), nil
	}
	return LoadFilterRules(path)
}

// IsSpam applies the keyword and suspicious-sender checks to one email.
func (r *FilterRules) IsSpam(e Email) bool {
	subject := strings.ToLower(e.Subject)
	preview := strings.ToLower(e.Preview)
	from := strings.ToLower(e.FromEmail)

	for _, keyword := range r.SpamKeywords {
		kw := strings.ToLower(strings.TrimSpace(keyword))
		if kw == "" {
			continue
		}
		if strings.Contains(subject, kw) || strings.Contains(preview, kw) {
			return true
		}
	}

	if strings.Contains(from, "noreply@") && !r.trustedSender(from, e.Mailbox) {
		return true
	}
	return false
}

func (r *FilterRules) trustedSender(from, mailbox string) bool {
	// The principal's own domain is always trusted.
	if at := strings.LastIndex(mailbox, "@"); at >= 0 {
		if strings.Contains(from, strings.ToLower(mailbox[at:])) {
			return true
		}
	}
	for _, domain := range r.TrustedDomains {
		d := strings.ToLower(strings.TrimSpace(domain))
		if d != "" && strings.Contains(from, d) {
			return true
		}
	}
	return false
}
