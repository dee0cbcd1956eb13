// Package ingress is the agent's reverse proxy: the single entry point that
// routes production traffic to whichever slot container is currently active,
// so a blue/green cutover is invisible to clients.
package ingress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/metrics"
)

// Proxy serves external traffic, resolving each request through the Router
// at request time so slot switches take effect immediately.
type Proxy struct {
	router *Router
	server *http.Server
	logger zerolog.Logger
}

func NewProxy(addr string, router *Router) *Proxy {
	p := &Proxy{
		router: router,
		logger: log.WithComponent("ingress"),
	}
	p.server = &http.Server{
		Addr:              addr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (p *Proxy) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.ListenAndServe()
	}()
	p.logger.Info().Str("addr", p.server.Addr).Msg("proxy listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.server.Shutdown(shutdownCtx)
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := p.router.Resolve(r.Context(), r.Host, r.URL.Path)
	switch {
	case errors.Is(err, ErrNoRoute):
		p.deny(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, ErrNotDeployed):
		p.deny(w, http.StatusServiceUnavailable, "no active deployment")
		return
	case err != nil:
		p.logger.Error().Err(err).Str("host", r.Host).Msg("route resolution failed")
		p.deny(w, http.StatusInternalServerError, "internal error")
		return
	}

	upstream, err := url.Parse(target.Upstream)
	if err != nil {
		p.logger.Error().Err(err).Str("upstream", target.Upstream).Msg("bad upstream")
		p.deny(w, http.StatusInternalServerError, "internal error")
		return
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			if target.PathPrefix != "" {
				pr.Out.URL.Path = strings.TrimPrefix(pr.Out.URL.Path, target.PathPrefix)
				if pr.Out.URL.Path == "" {
					pr.Out.URL.Path = "/"
				}
			}
			// The upstream must see its own name, not the public host.
			pr.Out.Host = upstream.Host
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			p.logger.Warn().Err(err).Str("upstream", target.Upstream).Msg("upstream error")
			p.deny(w, http.StatusBadGateway, "upstream unavailable")
		},
		ModifyResponse: func(resp *http.Response) error {
			metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			return nil
		},
	}
	proxy.ServeHTTP(w, r)
}

func (p *Proxy) deny(w http.ResponseWriter, code int, msg string) {
	metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	http.Error(w, msg, code)
}
