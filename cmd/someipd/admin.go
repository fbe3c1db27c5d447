package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminHandler serves /metrics, /ping and /ready, grounded verbatim in
// spirit on linkerd2's pkg/admin.handler: a single http.Handler that
// multiplexes a small fixed set of operational endpoints by path,
// rather than pulling in a full router for three routes.
type adminHandler struct {
	promHandler http.Handler
}

// newAdminServer returns an *http.Server bound to addr that exposes
// reg's collectors on /metrics.
func newAdminServer(addr string, reg *prometheus.Registry) *http.Server {
	h := &adminHandler{promHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		w.Write([]byte("pong\n"))
	case "/ready":
		w.Write([]byte("ok\n"))
	default:
		http.NotFound(w, req)
	}
}
