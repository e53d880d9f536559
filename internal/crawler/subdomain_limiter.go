package crawler

import (
	"sync"
)

// SubdomainLimiter caps how many subdomains of one root domain get crawled
type SubdomainLimiter struct {
	maxPerRoot int
	mu         sync.RWMutex
	subdomains map[string]map[string]struct{} // root -> subdomains
}

// NewSubdomainLimiter creates a new subdomain limiter
func NewSubdomainLimiter(maxPerRoot int) *SubdomainLimiter {
	return &SubdomainLimiter{
		maxPerRoot: maxPerRoot,
		subdomains: make(map[string]map[string]struct{}),
	}
}

func (sl *SubdomainLimiter) fits(set map[string]struct{}, domain string) bool {
	if _, ok := set[domain]; ok {
		return true
	}
	return len(set) < sl.maxPerRoot
}

// CanAdd checks if a domain can be added without exceeding the limit.
// It does not register the domain.
func (sl *SubdomainLimiter) CanAdd(domain string) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.fits(sl.subdomains[ExtractRootDomain(domain)], domain)
}

// Add registers a domain, returning false when the root is already full
func (sl *SubdomainLimiter) Add(domain string) bool {
	root := ExtractRootDomain(domain)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	set := sl.subdomains[root]
	if set == nil {
		set = make(map[string]struct{})
		sl.subdomains[root] = set
	}
	if !sl.fits(set, domain) {
		return false
	}
	set[domain] = struct{}{}
	return true
}

// Count returns the number of subdomains registered for a root domain
func (sl *SubdomainLimiter) Count(rootDomain string) int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.subdomains[rootDomain])
}
