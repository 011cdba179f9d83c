// Package registry turns stored endpoint descriptions into live HTTP routes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/apierr"
	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/internal/logging"
	"github.com/kebapi/kebapi/internal/metrics"
	"github.com/kebapi/kebapi/internal/store"
	"github.com/kebapi/kebapi/pkg/types"
)

// ErrReserved marks an endpoint whose routes overlap a path served outside the registry.
var ErrReserved = errors.New("route is reserved")

// ControlRoutes are the /api paths answered by the control API. Generated
// endpoints may not overlap them, nor claim the bare /api prefix.
var ControlRoutes = []string{
	"/api",
	"/api/create-endpoint",
	"/api/create-from-dataset",
	"/api/reload-endpoints",
	"/api/marketplace",
	"/api/openapi.yaml",
	"/api/endpoints",
	"/api/endpoints/:id",
	"/api/datasets/:id",
}

// Registry installs and dispatches the routes of generated endpoints.
type Registry struct {
	table    *RouteTable
	reserved []string
	store    store.Store
	logger   *zap.Logger
	metrics  *metrics.Recorder
	sanitize config.SanitizeConfig
	now      func() time.Time

	// mu serializes Register/Unregister with the final swap of LoadAll.
	mu sync.Mutex
	// loadMu serializes LoadAll calls.
	loadMu sync.Mutex
	// touched collects endpoint ids changed while a LoadAll is reading.
	touched map[string]struct{}
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSanitize sets the redaction rules applied to logged requests.
func WithSanitize(cfg config.SanitizeConfig) Option {
	return func(r *Registry) { r.sanitize = cfg }
}

// WithReserved replaces the patterns generated endpoints may not overlap.
func WithReserved(patterns ...string) Option {
	return func(r *Registry) { r.reserved = patterns }
}

// WithTable injects the route table.
func WithTable(t *RouteTable) Option {
	return func(r *Registry) { r.table = t }
}

func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    st,
		reserved: ControlRoutes,
		logger:   zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.table == nil {
		r.table = NewRouteTable(r.logger)
	}
	return r
}

// Table returns the route table backing the registry.
func (r *Registry) Table() *RouteTable {
	return r.table
}

// LoadAll rebuilds the route table from every stored endpoint and returns the
// number of endpoints loaded. The new table is staged and swapped in one step;
// a store failure leaves the current table untouched. Endpoints registered or
// unregistered while the store is being read keep their live state.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.Lock()
	r.touched = make(map[string]struct{})
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.touched = nil
		r.mu.Unlock()
	}()

	eps, err := r.store.ListEndpoints(ctx, store.EndpointFilter{})
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeStore, "failed to load endpoints", err)
	}

	staged := make([]Binding, 0, len(eps)*5)
	loaded := 0
	// eps is newest first; stage oldest first so equal stamps resolve to the newest row.
	for i := len(eps) - 1; i >= 0; i-- {
		ep := &eps[i]
		bindings, err := r.bindings(ep)
		if err != nil {
			r.logger.Warn("skipping endpoint", zap.String("endpoint_id", ep.ID), zap.Error(err))
			continue
		}
		staged = append(staged, bindings...)
		loaded++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Binding, 0, len(staged))
	for _, b := range staged {
		if _, ok := r.touched[b.EndpointID]; !ok {
			next = append(next, b)
		}
	}
	for _, b := range r.table.Routes() {
		if _, ok := r.touched[b.EndpointID]; ok {
			next = append(next, b)
		}
	}
	r.table.Swap(next)
	r.metrics.SetRoutes(r.table.Len())
	r.logger.Info("endpoints loaded", zap.Int("endpoints", loaded), zap.Int("routes", r.table.Len()))
	return loaded, nil
}

// Register installs the routes of ep according to its strategy.
func (r *Registry) Register(ep *types.Endpoint) error {
	if ep.Dynamic() {
		return r.RegisterDynamic(ep)
	}
	return r.RegisterStatic(ep)
}

// RegisterDynamic installs the five CRUD routes of a schema-backed endpoint.
func (r *Registry) RegisterDynamic(ep *types.Endpoint) error {
	if !ep.Dynamic() {
		return fmt.Errorf("endpoint %s has no field schema", ep.ID)
	}
	bindings, err := r.bindings(ep)
	if err != nil {
		return err
	}
	r.install(ep.ID, bindings)
	return nil
}

// RegisterStatic installs the single route serving the response snapshot.
func (r *Registry) RegisterStatic(ep *types.Endpoint) error {
	if ep.Dynamic() {
		return fmt.Errorf("endpoint %s is dynamic", ep.ID)
	}
	bindings, err := r.bindings(ep)
	if err != nil {
		return err
	}
	r.install(ep.ID, bindings)
	return nil
}

func (r *Registry) install(id string, bindings []Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touched != nil {
		r.touched[id] = struct{}{}
	}
	for _, b := range bindings {
		r.table.Install(b)
	}
	r.metrics.SetRoutes(r.table.Len())
}

// Unregister uninstalls the routes of ep and returns how many were removed.
// Bindings of other endpoints on the same routes are untouched.
func (r *Registry) Unregister(ep *types.Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touched != nil {
		r.touched[ep.ID] = struct{}{}
	}
	n := 0
	if bindings, err := r.bindings(ep); err == nil {
		for _, b := range bindings {
			if r.table.Uninstall(b.Method, b.Pattern, ep.ID) {
				n++
			}
		}
	} else {
		n = r.table.RemoveOwner(ep.ID)
	}
	r.metrics.SetRoutes(r.table.Len())
	return n
}

// Check reports whether ep can be mounted. Overlaps with reserved paths wrap ErrReserved.
func (r *Registry) Check(ep *types.Endpoint) error {
	_, err := r.bindings(ep)
	return err
}

func (r *Registry) bindings(ep *types.Endpoint) ([]Binding, error) {
	var out []Binding
	if ep.Dynamic() {
		out = r.dynamicBindings(ep)
	} else {
		var err error
		if out, err = r.staticBindings(ep); err != nil {
			return nil, err
		}
	}
	for _, b := range out {
		for _, reserved := range r.reserved {
			if patternsOverlap(b.Pattern, reserved) {
				return nil, fmt.Errorf("%w: %s %s overlaps %s", ErrReserved, b.Method, b.Pattern, reserved)
			}
		}
	}
	return out, nil
}

type paramsKey struct{}

// PathParam returns the value of a ":name" segment matched by the registry.
func PathParam(req *http.Request, name string) string {
	params, _ := req.Context().Value(paramsKey{}).(Params)
	return params[name]
}

// ServeHTTP dispatches req to the matching binding or answers 404.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m, err := ParseMethod(req.Method)
	if err != nil {
		apierr.Write(w, apierr.Errorf(apierr.CodeNotFound, "no endpoint for %s %s", req.Method, req.URL.Path))
		return
	}
	b, params, ok := r.table.Lookup(m, req.URL.Path)
	if !ok {
		apierr.Write(w, apierr.Errorf(apierr.CodeNotFound, "no endpoint for %s %s", req.Method, req.URL.Path))
		return
	}
	if len(params) > 0 {
		req = req.WithContext(context.WithValue(req.Context(), paramsKey{}, params))
	}
	b.Handler.ServeHTTP(w, req)
}
