package guard

import (
	"context"
	"strings"

	"credline/internal/domain"
	"credline/internal/permission"
	"credline/internal/session"
)

// Decision outcomes for one navigation attempt.
const (
	OutcomeAllowed    = "allowed"
	OutcomeRedirected = "redirected"
	// OutcomeSuperseded means a newer navigation started while this one
	// was waiting; its redirect must not be applied.
	OutcomeSuperseded = "superseded"
)

// Redirect reasons.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonUnauthorized    = "unauthorized"
	ReasonInitFailed      = "init_failed"
)

type Decision struct {
	Outcome    string `json:"outcome" enum:"allowed,redirected,superseded"`
	RedirectTo string `json:"redirect_to,omitempty"`
	// ReturnURL is the intended destination, preserved on login redirects
	// so the client can resume after authentication.
	ReturnURL string `json:"return_url,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Guard evaluates every route transition: wait for bootstrap, check
// authentication, check the route's permission requirement. Each
// navigation is evaluated independently; re-running against the same
// role state yields the same outcome.
type Guard struct {
	Catalog       *permission.Catalog
	Routes        []domain.RouteDescriptor
	PathTable     map[string]string
	BypassPaths   []string
	LoginPath     string
	ForbiddenPath string
}

// Decide runs the guard state machine for one navigation attempt on the
// given session. The wait on the session's initializer is the single
// hard ordering point: no permission decision is made while the role
// load is still in flight.
func (g *Guard) Decide(ctx context.Context, sess *session.Session, target string) Decision {
	for _, path := range g.BypassPaths {
		if target == path {
			return Decision{Outcome: OutcomeAllowed}
		}
	}

	seq := sess.BeginNavigation()

	principal, err := sess.Init.Wait(ctx)
	if err != nil {
		return g.redirect(sess, seq, Decision{
			Outcome:    OutcomeRedirected,
			RedirectTo: g.ForbiddenPath,
			Reason:     ReasonInitFailed,
		})
	}

	if g.requiresAuth(target) && !established(principal) {
		return g.redirect(sess, seq, Decision{
			Outcome:    OutcomeRedirected,
			RedirectTo: g.LoginPath,
			ReturnURL:  target,
			Reason:     ReasonUnauthenticated,
		})
	}

	key := g.ResolveKey(target)
	if key != "" {
		eval := permission.Evaluator{Catalog: g.Catalog, Registry: sess.Registry}
		if !eval.HasPermission(key) {
			return g.redirect(sess, seq, Decision{
				Outcome:    OutcomeRedirected,
				RedirectTo: g.ForbiddenPath,
				Reason:     ReasonUnauthorized,
			})
		}
	}

	return Decision{Outcome: OutcomeAllowed}
}

// redirect applies staleness protection: a superseded evaluation must not
// land its redirect after a newer navigation already won.
func (g *Guard) redirect(sess *session.Session, seq uint64, d Decision) Decision {
	if sess.CurrentNavigation() != seq {
		return Decision{Outcome: OutcomeSuperseded}
	}
	return d
}

// ResolveKey returns the permission key required for a path. Per-route
// metadata is canonical; the static path table is a legacy fallback for
// paths with no descriptor.
func (g *Guard) ResolveKey(target string) string {
	for _, route := range g.Routes {
		if route.Path == target {
			return route.PermissionKey
		}
	}
	return g.PathTable[target]
}

// requiresAuth reports whether any route in the matched chain (the
// target and its ancestor paths) requires authentication.
func (g *Guard) requiresAuth(target string) bool {
	for _, route := range g.Routes {
		if route.RequiresAuth && inChain(route.Path, target) {
			return true
		}
	}
	return false
}

// inChain reports whether routePath is target itself or an ancestor
// segment of it.
func inChain(routePath, target string) bool {
	if routePath == target {
		return true
	}
	if routePath == "/" {
		return false
	}
	return strings.HasPrefix(target, routePath+"/")
}

func established(p domain.Principal) bool {
	return p.Username != "" && !p.Guest
}
