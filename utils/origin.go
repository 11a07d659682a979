package utils

import (
	"net/http"
)

// OriginChecker allows requests whose Origin is listed, any origin for "*",
// and requests without an Origin header.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || wildcard || set[origin]
	}
}
