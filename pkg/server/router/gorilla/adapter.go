// Package gorilla implements router.Router on gorilla/mux.
package gorilla

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimburion/shedlock/pkg/server/router"
)

// Router implements router.Router using gorilla/mux.
type Router struct {
	mux *mux.Router
}

// NewRouter creates a new Router.
func NewRouter() *Router {
	return &Router{mux: mux.NewRouter()}
}

// Handle registers handler for method and path.
func (r *Router) Handle(method, path string, handler http.Handler) {
	muxPath := router.RewriteParams(path, func(name string) string { return "{" + name + "}" })
	r.mux.HandleFunc(muxPath, func(w http.ResponseWriter, req *http.Request) {
		handler.ServeHTTP(w, router.WithParams(req, mux.Vars(req)))
	}).Methods(method)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
