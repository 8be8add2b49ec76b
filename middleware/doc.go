// Package middleware provides net/http integration for the engine. It
// is router-agnostic on purpose: the guard composes with chi, the
// standard mux, or anything else speaking http.Handler.
package middleware
