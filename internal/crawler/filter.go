package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Excluded domain patterns (social media, ads, analytics)
var defaultExcluded = []string{
	`(?i)(facebook|fb)\.com`,
	`(?i)twitter\.com`,
	`(?i)instagram\.com`,
	`(?i)linkedin\.com`,
	`(?i)youtube\.com`,
	`(?i)google-analytics\.com`,
	`(?i)doubleclick\.net`,
	`(?i)^ads?\.`,
	`(?i)^analytics?\.`,
	`(?i)googletagmanager\.com`,
	`(?i)googleapis\.com`,
}

// DomainFilter decides which link targets are worth following
type DomainFilter struct {
	excluded []*regexp.Regexp
}

// NewDomainFilter compiles the default exclusions plus extra patterns
func NewDomainFilter(extra []string) (*DomainFilter, error) {
	f := &DomainFilter{}
	for _, p := range append(append([]string{}, defaultExcluded...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		f.excluded = append(f.excluded, re)
	}
	return f, nil
}

// IsExcluded checks if a domain matches any excluded pattern
func (f *DomainFilter) IsExcluded(domain string) bool {
	for _, pattern := range f.excluded {
		if pattern.MatchString(domain) {
			return true
		}
	}
	return false
}

// ExtractDomain extracts the hostname (domain/subdomain) from a URL string
func ExtractDomain(urlStr string) (string, error) {
	// Protocol-relative URLs
	if strings.HasPrefix(urlStr, "//") {
		urlStr = "https:" + urlStr
	}

	// Relative URLs carry no domain
	if !strings.Contains(urlStr, "://") {
		return "", nil
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// ExtractRootDomain extracts the root domain from a subdomain
// Example: blog.example.com -> example.com
func ExtractRootDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "." + parts[len(parts)-1]
	}
	return domain
}
