// Package middleware holds the HTTP middleware raygo's servers wrap their
// routes with. The control API's operator routes run the full chain; worker
// endpoints (register, heartbeat, backlog) and the serve ingress run reduced
// ones.
package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain composes middleware so the first one listed is the outermost and
// sees every request before the rest.
func Chain(middleware ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middleware) - 1; i >= 0; i-- {
			final = middleware[i](final)
		}
		return final
	}
}
