/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package router

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
)

// engineTracerProvider is read from the global otel registry at package
// init, the same "inject or default to otel.GetTracerProvider()" pattern
// used elsewhere in the pack for optional tracing. With no SDK/exporter
// wired it resolves to the no-op provider, so spans cost nothing until a
// caller of cmd/router registers a real one via otel.SetTracerProvider.
var engineTracerProvider oteltrace.TracerProvider = otel.GetTracerProvider()

// engineTransport wraps the default transport with otelhttp so every
// forwarded request carries a span, traceable end to end once a tracer
// provider is configured upstream (a no-op provider otherwise, which is
// the zero-cost default).
var engineTransport = otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(engineTracerProvider))

// Proxy fronts the OpenAI-compatible inference surface, picking an
// endpoint per request via Router.Route and forwarding with a stdlib
// httputil.ReverseProxy — the idiomatic single-backend-per-request proxy;
// no pack dependency improves on it for a plain HTTP passthrough (see
// DESIGN.md).
type Proxy struct {
	Router *Router
	// UIDFromRequest extracts the target model uid from an inbound
	// request, e.g. from a path segment or a header set by an upstream
	// gateway. Defaults to pathUID (first path segment).
	UIDFromRequest func(*http.Request) string
}

func (p *Proxy) uidFromRequest(req *http.Request) string {
	if p.UIDFromRequest != nil {
		return p.UIDFromRequest(req)
	}
	return pathUID(req.URL.Path)
}

// pathUID takes the first path segment after a leading slash as the model
// uid, for the common "/{uid}/..." mount shape.
func pathUID(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	uid := p.uidFromRequest(req)
	if uid == "" {
		http.Error(w, "model uid required", http.StatusBadRequest)
		return
	}

	ep, err := p.Router.Route(req.Context(), uid, RequestMeta{})
	if err != nil {
		p.writeRouteError(w, req, uid, err)
		return
	}

	target := &url.URL{Scheme: "http", Host: ep.Address}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = engineTransport
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logging.FromContext(r.Context()).Error(err, "proxy to engine failed", "uid", uid, "address", ep.Address)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, req)
}

func (p *Proxy) writeRouteError(w http.ResponseWriter, req *http.Request, uid string, err error) {
	switch {
	case errors.Is(err, apierrors.ErrOverloaded):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "model overloaded, retry shortly", http.StatusTooManyRequests)
	case errors.Is(err, apierrors.ErrUnavailable):
		http.Error(w, "no ready endpoint for model", http.StatusServiceUnavailable)
	default:
		logging.FromContext(req.Context()).Error(err, "route failed", "uid", uid)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
