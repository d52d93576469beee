// Package nethttp implements router.Router on the standard library ServeMux.
package nethttp

import (
	"net/http"

	"github.com/nimburion/shedlock/pkg/server/router"
)

// Router implements router.Router using http.ServeMux method patterns.
type Router struct {
	mux *http.ServeMux
}

// NewRouter creates a new Router.
func NewRouter() *Router {
	return &Router{mux: http.NewServeMux()}
}

// Handle registers handler for method and path.
func (r *Router) Handle(method, path string, handler http.Handler) {
	names := router.ParamNames(path)
	pattern := method + " " + router.RewriteParams(path, func(name string) string { return "{" + name + "}" })
	r.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		params := make(map[string]string, len(names))
		for _, name := range names {
			params[name] = req.PathValue(name)
		}
		handler.ServeHTTP(w, router.WithParams(req, params))
	})
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
