package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/vasayxtx/go-glob"
)

var errHostNotAllowed = errors.New("host not allowed")

// hostPolicy decides which upstream hosts the proxy may reach. Relative
// URLs always resolve against the client's base URL and pass.
type hostPolicy struct {
	base     string
	patterns []func(string) bool
}

func newHostPolicy(base *url.URL, allowed []string) *hostPolicy {
	p := &hostPolicy{}
	if base != nil {
		p.base = strings.ToLower(base.Host)
	}
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		p.patterns = append(p.patterns, glob.Compile(pattern))
	}
	return p
}

// check rejects URLs that name a host outside the policy. Protocol-relative
// references ("//host/path") count as naming a host.
func (p *hostPolicy) check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Left to the client, which reports it as an invalid url.
		return nil
	}
	if u.Host == "" && !u.IsAbs() {
		return nil
	}

	host := strings.ToLower(u.Host)
	if host != "" && host == p.base {
		return nil
	}
	for _, match := range p.patterns {
		if host != "" && match(host) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", errHostNotAllowed, rawURL)
}
