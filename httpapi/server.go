// Package httpapi implements the REST front-end (spec.md §4.6/§4.5) on
// top of github.com/valyala/fasthttp, the teacher's own HTTP transport of
// choice throughout its gateway/proxy request paths.
package httpapi

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pacsd/pacsd/cmn"
)

// ShutdownGrace bounds how long Shutdown waits for in-flight requests.
const ShutdownGrace = 10 * time.Second

// Server wraps a *fasthttp.Server with the context-based
// ListenAndServe/Shutdown pair cmd/pacsnode expects.
type Server struct {
	fh   *fasthttp.Server
	addr string
}

// NewServer builds a Server bound to cfg.HttpPort, serving router.
func NewServer(cfg *cmn.Config, router *Router) *Server {
	fh := &fasthttp.Server{
		Handler:      router.Handler,
		Name:         "pacsnode",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return &Server{fh: fh, addr: fasthttpAddr(cfg)}
}

func fasthttpAddr(cfg *cmn.Config) string {
	return ":" + strconv.Itoa(cfg.HTTPPort)
}

// ListenAndServe starts serving, blocking until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.fh.ListenAndServe(s.addr)
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.fh.ShutdownWithContext(ctx)
}
