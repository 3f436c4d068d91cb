// Package router maps an inbound (model, conversation) pair to a resolved
// upstream provider, per spec.md §4.1.
package router

import (
	"fmt"
	"regexp"

	"github.com/rpay/croxy/internal/autorouter"
	"github.com/rpay/croxy/internal/config"
)

// RoutingMethod records which algorithm step resolved a request.
type RoutingMethod string

const (
	MethodPattern RoutingMethod = "pattern"
	MethodAuto    RoutingMethod = "auto"
	MethodDefault RoutingMethod = "default"
)

// MarshalJSON emits the current lowercase wire form.
func (m RoutingMethod) MarshalJSON() ([]byte, error) {
	return []byte(`"` + string(m) + `"`), nil
}

// UnmarshalJSON accepts the current schema's string values. Old-format logs
// (the "routed" boolean field) are handled by the metricslog reader, not here.
func (m *RoutingMethod) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	switch RoutingMethod(s) {
	case MethodPattern, MethodAuto, MethodDefault:
		*m = RoutingMethod(s)
		return nil
	default:
		*m = MethodDefault
		return nil
	}
}

// ResolvedRoute is the concrete per-request routing decision.
type ResolvedRoute struct {
	ProviderName    string
	ProviderURL     string
	ModelRewrite    string
	StripAuth       bool
	APIKey          string
	StubCountTokens bool
	RoutingMethod   RoutingMethod
}

type compiledRoute struct {
	config.Route
	re *regexp.Regexp
}

// Classifier is the pluggable auto-router capability: given the
// auto-participating routes and the inbound messages, return a route name
// or none. Kept behind this interface per spec.md §9 so alternative
// classifiers can be swapped in.
type Classifier interface {
	Classify(routes []autorouter.Candidate, messages []map[string]interface{}) (string, bool)
}

// Router resolves requests to providers per the spec.md §4.1 algorithm.
// It exclusively owns its compiled regexes and auto-candidate table.
type Router struct {
	cfg        *config.Config
	routes     []compiledRoute
	candidates []autorouter.Candidate
	classifier Classifier
	defaultIdx Provider
}

// Provider is the resolved view of a config.Provider used for the default route.
type Provider = config.Provider

// New builds a Router from validated configuration. Config is assumed to
// have already passed config.Validate — New does not re-validate startup
// invariants. It compiles regexes, collects the auto-router candidates, and
// returns an error if a pattern does not compile or the default provider is
// not declared.
func New(cfg *config.Config, classifier Classifier) (*Router, error) {
	r := &Router{cfg: cfg, classifier: classifier}

	for _, route := range cfg.Routes {
		cr := compiledRoute{Route: route}
		if route.Pattern != "" {
			re, err := regexp.Compile(route.Pattern)
			if err != nil {
				return nil, fmt.Errorf("router: invalid pattern %q for route %q: %w", route.Pattern, route.Name, err)
			}
			cr.re = re
		}
		r.routes = append(r.routes, cr)
		if route.Description != "" {
			r.candidates = append(r.candidates, autorouter.Candidate{
				Name:        route.Name,
				Description: route.Description,
			})
		}
	}

	dp, ok := cfg.Providers[cfg.Default.Provider]
	if !ok {
		return nil, fmt.Errorf("router: default provider %q not found", cfg.Default.Provider)
	}
	r.defaultIdx = dp

	return r, nil
}

// Resolve implements the spec.md §4.1 algorithm: auto (if eligible), then
// first-match pattern scan in declaration order, then default.
func (r *Router) Resolve(model string, messages []map[string]interface{}) ResolvedRoute {
	if model == "auto" && r.cfg.AutoRouter.Enabled && len(r.candidates) > 0 && len(messages) > 0 {
		if name, ok := r.classifier.Classify(r.candidates, messages); ok {
			if resolved, ok := r.resolveByName(name); ok {
				resolved.RoutingMethod = MethodAuto
				return resolved
			}
		}
	}

	for _, cr := range r.routes {
		if cr.re == nil {
			continue
		}
		if cr.re.MatchString(model) {
			return r.buildResolved(cr.Route, MethodPattern)
		}
	}

	return r.buildDefault()
}

func (r *Router) resolveByName(name string) (ResolvedRoute, bool) {
	for _, cr := range r.routes {
		if cr.Name == name {
			return r.buildResolved(cr.Route, MethodAuto), true
		}
	}
	return ResolvedRoute{}, false
}

func (r *Router) buildResolved(route config.Route, method RoutingMethod) ResolvedRoute {
	p := r.cfg.Providers[route.Provider]
	return ResolvedRoute{
		ProviderName:    p.Name,
		ProviderURL:     p.URL,
		ModelRewrite:    route.ModelRewrite,
		StripAuth:       p.StripAuth,
		APIKey:          p.APIKey,
		StubCountTokens: p.StubCountTokens,
		RoutingMethod:   method,
	}
}

func (r *Router) buildDefault() ResolvedRoute {
	p := r.defaultIdx
	return ResolvedRoute{
		ProviderName:    p.Name,
		ProviderURL:     p.URL,
		StripAuth:       p.StripAuth,
		APIKey:          p.APIKey,
		StubCountTokens: p.StubCountTokens,
		RoutingMethod:   MethodDefault,
	}
}
