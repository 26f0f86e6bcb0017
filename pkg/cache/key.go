package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// keyPrefix namespaces all cache keys in Redis.
const keyPrefix = "wikidot"

// Key identifies a cached response. An empty Scheme means https.
type Key struct {
	Method string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
}

// KeyFromRequest builds the Key for an outgoing request.
func KeyFromRequest(req *http.Request) Key {
	return Key{
		Method: req.Method,
		Scheme: req.URL.Scheme,
		Host:   req.URL.Host,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
	}
}

// String renders a deterministic Redis key.
//
// Format: wikidot:GET:https://host/path:q1=v1:q2=v2a,v2b
func (k Key) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	parts := []string{keyPrefix, method}

	scheme := strings.ToLower(k.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	target := scheme + "://" + strings.ToLower(k.Host) + "/" + strings.Trim(k.Path, "/")
	parts = append(parts, strings.TrimSuffix(target, "/"))

	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+strings.Join(k.Query[name], ","))
		}
	}

	return strings.Join(parts, ":")
}
