package metadata

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCredibility is returned for domains no rule matches.
const DefaultCredibility = 0.60

// CredibilityConfig holds domain credibility scoring rules
type CredibilityConfig struct {
	CredibilityRules struct {
		TLDPatterns  []TLDPattern  `yaml:"tld_patterns"`
		DomainGroups []DomainGroup `yaml:"domain_groups"`
		DefaultScore float64       `yaml:"default_score"`
	} `yaml:"credibility_rules"`
}

// TLDPattern scores every host ending in Suffix.
type TLDPattern struct {
	Suffix      string  `yaml:"suffix"`
	Score       float64 `yaml:"score"`
	Description string  `yaml:"description"`
}

// DomainGroup scores a named list of domains and their subdomains.
type DomainGroup struct {
	Category    string   `yaml:"category"`
	Score       float64  `yaml:"score"`
	Description string   `yaml:"description"`
	Domains     []string `yaml:"domains"`
}

// Scorer rates sources by domain reputation: academic > government > reputable news > commercial.
type Scorer struct {
	cfg CredibilityConfig
}

// NewScorer returns a scorer over cfg. A nil cfg selects the built-in rules.
func NewScorer(cfg *CredibilityConfig) *Scorer {
	if cfg == nil {
		cfg = DefaultCredibilityConfig()
	}
	return &Scorer{cfg: *cfg}
}

// LoadScorer reads rules from a YAML file. An empty path selects the built-in rules.
func LoadScorer(path string) (*Scorer, error) {
	if path == "" {
		return NewScorer(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credibility config: %w", err)
	}
	var cfg CredibilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse credibility config: %w", err)
	}
	return NewScorer(&cfg), nil
}

// DefaultCredibilityConfig returns the built-in rules
func DefaultCredibilityConfig() *CredibilityConfig {
	cfg := &CredibilityConfig{}
	cfg.CredibilityRules.TLDPatterns = []TLDPattern{
		{Suffix: ".edu", Score: 0.85, Description: "Educational"},
		{Suffix: ".gov", Score: 0.80, Description: "Government"},
		{Suffix: ".int", Score: 0.80, Description: "International organization"},
	}
	cfg.CredibilityRules.DomainGroups = []DomainGroup{
		{Category: "academic", Score: 0.90, Domains: []string{"arxiv.org", "nature.com", "science.org", "nih.gov", "acm.org", "ieee.org"}},
		{Category: "official", Score: 0.85, Domains: []string{"ecb.europa.eu", "federalreserve.gov", "imf.org", "worldbank.org", "bis.org", "oecd.org"}},
		{Category: "news", Score: 0.75, Domains: []string{"reuters.com", "apnews.com", "bloomberg.com", "ft.com", "bbc.co.uk", "economist.com"}},
		{Category: "reference", Score: 0.70, Domains: []string{"wikipedia.org", "britannica.com"}},
		{Category: "social", Score: 0.35, Domains: []string{"reddit.com", "twitter.com", "x.com", "facebook.com", "quora.com"}},
	}
	cfg.CredibilityRules.DefaultScore = DefaultCredibility
	return cfg
}

// Score returns the credibility of a domain in [0,1].
func (s *Scorer) Score(domain string) float64 {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return s.defaultScore()
	}

	// Domain groups are checked before TLD patterns so named sources win over blanket suffix rules.
	for _, group := range s.cfg.CredibilityRules.DomainGroups {
		for _, known := range group.Domains {
			if domainMatches(domain, known) {
				return clamp01(group.Score)
			}
		}
	}
	for _, p := range s.cfg.CredibilityRules.TLDPatterns {
		if strings.HasSuffix(domain, p.Suffix) {
			return clamp01(p.Score)
		}
	}
	return s.defaultScore()
}

// ScoreURL extracts the domain from rawURL and scores it.
func (s *Scorer) ScoreURL(rawURL string) float64 {
	domain, err := ExtractDomain(rawURL)
	if err != nil {
		return s.defaultScore()
	}
	return s.Score(domain)
}

func (s *Scorer) defaultScore() float64 {
	if s.cfg.CredibilityRules.DefaultScore > 0 {
		return clamp01(s.cfg.CredibilityRules.DefaultScore)
	}
	return DefaultCredibility
}

// exact match or subdomain boundary
func domainMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// NormalizeURL cleans and normalizes a URL for deduplication
// - Converts scheme and host to lowercase
// - Removes a leading www.
// - Removes tracking query parameters (utm_*, fbclid, etc.)
// - Removes fragment and trailing slash
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid", "ref", "source",
		} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host from a URL, removing any port and a
// leading "www." but preserving other subdomains when present.
// Example: "https://blog.example.com/path" -> "blog.example.com"
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// SourceDiversity returns unique_sources / total_sources, 0 for no sources.
func SourceDiversity(sources []string) float64 {
	if len(sources) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		set[strings.ToLower(s)] = struct{}{}
	}
	return float64(len(set)) / float64(len(sources))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
