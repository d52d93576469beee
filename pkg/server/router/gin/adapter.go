// Package gin implements router.Router on gin-gonic.
package gin

import (
	"net/http"

	ginpkg "github.com/gin-gonic/gin"

	"github.com/nimburion/shedlock/pkg/server/router"
)

// Router implements router.Router using a gin engine.
type Router struct {
	engine *ginpkg.Engine
}

// NewRouter creates a new Router with gin in release mode and no default
// middleware.
func NewRouter() *Router {
	ginpkg.SetMode(ginpkg.ReleaseMode)
	return &Router{engine: ginpkg.New()}
}

// Handle registers handler for method and path. gin already uses ':name'
// parameters, so the path is passed through.
func (r *Router) Handle(method, path string, handler http.Handler) {
	r.engine.Handle(method, path, func(c *ginpkg.Context) {
		params := make(map[string]string, len(c.Params))
		for _, param := range c.Params {
			params[param.Key] = param.Value
		}
		handler.ServeHTTP(c.Writer, router.WithParams(c.Request, params))
	})
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
