// Package router abstracts the HTTP router behind the management server so
// the implementation (net/http, gin-gonic, gorilla/mux) is a configuration
// choice.
package router

import (
	"context"
	"net/http"
	"strings"
)

// Router registers handlers by method and path. Path segments starting
// with ':' are parameters, read back with Param.
type Router interface {
	Handle(method, path string, handler http.Handler)
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type paramsKey struct{}

// WithParams returns r carrying the matched path parameters.
func WithParams(r *http.Request, params map[string]string) *http.Request {
	if len(params) == 0 {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), paramsKey{}, params))
}

// Param returns a path parameter matched by the router, or "".
func Param(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return params[name]
}

// ParamNames lists the ':name' segments of path in order.
func ParamNames(path string) []string {
	var names []string
	for _, segment := range strings.Split(path, "/") {
		if strings.HasPrefix(segment, ":") && len(segment) > 1 {
			names = append(names, segment[1:])
		}
	}
	return names
}

// RewriteParams replaces every ':name' segment of path using format, which
// receives the bare parameter name.
func RewriteParams(path string, format func(name string) string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if strings.HasPrefix(segment, ":") && len(segment) > 1 {
			segments[i] = format(segment[1:])
		}
	}
	return strings.Join(segments, "/")
}
