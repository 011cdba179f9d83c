package registry

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/logging"
)

// Binding is one installed route. Bindings are never persisted; they are
// rebuilt from endpoint descriptions.
type Binding struct {
	Method     Method
	Pattern    string
	EndpointID string
	// Version orders competing bindings for the same route; the endpoint's
	// creation time in nanoseconds.
	Version int64
	Dynamic bool
	Handler http.Handler
}

// Params holds the values of ":name" pattern segments.
type Params map[string]string

type routeKey struct {
	method  Method
	pattern string
}

// RouteTable maps (method, pattern) to a Binding. Safe for concurrent use.
//
// Install is last-write-wins guarded by Version: a binding older than the
// current occupant is rejected, an equal or newer one replaces it.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[routeKey]Binding
	logger *zap.Logger
}

func NewRouteTable(logger *zap.Logger) *RouteTable {
	return &RouteTable{
		routes: make(map[routeKey]Binding),
		logger: logging.OrNop(logger),
	}
}

// Install adds b and reports whether it is now the active binding for its route.
func (t *RouteTable) Install(b Binding) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.installLocked(t.routes, b)
}

func (t *RouteTable) installLocked(routes map[routeKey]Binding, b Binding) bool {
	b.Pattern = cleanPath(b.Pattern)
	key := routeKey{method: b.Method, pattern: b.Pattern}
	cur, ok := routes[key]
	if ok && b.Version < cur.Version {
		t.logger.Warn("stale route binding rejected",
			zap.String("method", b.Method.String()),
			zap.String("pattern", b.Pattern),
			zap.String("endpoint_id", b.EndpointID),
			zap.String("active_endpoint_id", cur.EndpointID))
		return false
	}
	if ok && cur.EndpointID != b.EndpointID {
		t.logger.Warn("route binding replaced",
			zap.String("method", b.Method.String()),
			zap.String("pattern", b.Pattern),
			zap.String("endpoint_id", b.EndpointID),
			zap.String("replaced_endpoint_id", cur.EndpointID))
	}
	routes[key] = b
	return true
}

// Swap atomically replaces the whole table with bindings, applying the
// Install policy among them.
func (t *RouteTable) Swap(bindings []Binding) {
	next := make(map[routeKey]Binding, len(bindings))
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range bindings {
		t.installLocked(next, b)
	}
	t.routes = next
}

// Lookup resolves a request path. Static patterns win over parametric ones;
// among parametric matches the one with fewer parameters wins, then the newer.
func (t *RouteTable) Lookup(m Method, path string) (Binding, Params, bool) {
	path = cleanPath(path)
	t.mu.RLock()
	defer t.mu.RUnlock()

	if b, ok := t.routes[routeKey{method: m, pattern: path}]; ok && !strings.Contains(b.Pattern, "/:") {
		return b, nil, true
	}

	var (
		best       Binding
		bestParams Params
		found      bool
	)
	segs := strings.Split(path, "/")
	for key, b := range t.routes {
		if key.method != m || !strings.Contains(key.pattern, "/:") {
			continue
		}
		params, ok := matchPattern(key.pattern, segs)
		if !ok {
			continue
		}
		if !found || len(params) < len(bestParams) ||
			(len(params) == len(bestParams) && (b.Version > best.Version ||
				(b.Version == best.Version && b.Pattern < best.Pattern))) {
			best, bestParams, found = b, params, true
		}
	}
	return best, bestParams, found
}

// Uninstall removes the binding for (m, pattern) only if owner holds it.
func (t *RouteTable) Uninstall(m Method, pattern, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := routeKey{method: m, pattern: cleanPath(pattern)}
	if cur, ok := t.routes[key]; ok && cur.EndpointID == owner {
		delete(t.routes, key)
		return true
	}
	return false
}

// RemoveOwner removes every binding owned by owner and returns how many.
func (t *RouteTable) RemoveOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, b := range t.routes {
		if b.EndpointID == owner {
			delete(t.routes, key)
			n++
		}
	}
	return n
}

// Routes returns all bindings sorted by pattern then method.
func (t *RouteTable) Routes() []Binding {
	t.mu.RLock()
	out := make([]Binding, 0, len(t.routes))
	for _, b := range t.routes {
		out = append(out, b)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Method < out[j].Method
	})
	return out
}

func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func matchPattern(pattern string, segs []string) (Params, bool) {
	psegs := strings.Split(pattern, "/")
	if len(psegs) != len(segs) {
		return nil, false
	}
	params := Params{}
	for i, ps := range psegs {
		if strings.HasPrefix(ps, ":") {
			if segs[i] == "" {
				return nil, false
			}
			params[ps[1:]] = segs[i]
			continue
		}
		if ps != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// patternsOverlap reports whether some request path matches both a and b.
func patternsOverlap(a, b string) bool {
	as := strings.Split(cleanPath(a), "/")
	bs := strings.Split(cleanPath(b), "/")
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if strings.HasPrefix(as[i], ":") || strings.HasPrefix(bs[i], ":") {
			continue
		}
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
