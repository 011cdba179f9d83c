package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kebapi/kebapi/internal/apierr"
	"github.com/kebapi/kebapi/internal/auth"
	"github.com/kebapi/kebapi/internal/openapi"
	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/internal/service"
	"github.com/kebapi/kebapi/internal/store"
	"github.com/kebapi/kebapi/pkg/types"
)

// maxControlBody caps JSON bodies of control routes; datasets can be large.
const maxControlBody = 10 << 20

type endpointView struct {
	*types.Endpoint
	FullPath string `json:"full_path"`
	URL      string `json:"url"`
}

func (s *Server) view(ep *types.Endpoint) endpointView {
	return endpointView{
		Endpoint: ep,
		FullPath: ep.FullPath(),
		URL:      strings.TrimRight(s.cfg.Server.PublicURL, "/") + ep.FullPath(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.CodeInvalidArgument, "request body must be valid JSON", err)
	}
	return nil
}

func userID(r *http.Request) string {
	id, _ := auth.FromContext(r.Context())
	return id.UserID
}

type createResponse struct {
	Success  bool           `json:"success"`
	Endpoint endpointView   `json:"endpoint"`
	Items    int            `json:"items"`
	Dataset  *types.Dataset `json:"dataset,omitempty"`
	Message  string         `json:"message"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	out, err := s.svc.Create(r.Context(), userID(r), req)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, createResponse{
		Success:  true,
		Endpoint: s.view(out.Endpoint),
		Items:    out.Items,
		Message:  "Endpoint created and mounted",
	})
}

func (s *Server) handleCreateFromDataset(w http.ResponseWriter, r *http.Request) {
	var req service.DatasetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	out, err := s.svc.CreateFromDataset(r.Context(), userID(r), req)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, createResponse{
		Success:  true,
		Endpoint: s.view(out.Endpoint),
		Items:    out.Items,
		Dataset:  out.Dataset,
		Message:  "Dataset imported and mounted",
	})
}

func (s *Server) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	var q service.MarketplaceQuery
	if err := schemaDecoder.Decode(&q, r.URL.Query()); err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeInvalidArgument, "invalid query parameters", err))
		return
	}
	listings, err := s.svc.Marketplace(r.Context(), q)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	base := strings.TrimRight(s.cfg.Server.PublicURL, "/")
	type entry struct {
		service.Listing
		URL string `json:"url"`
	}
	data := make([]entry, 0, len(listings))
	for _, l := range listings {
		data = append(data, entry{Listing: l, URL: base + l.FullPath})
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": data, "total": len(data)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Reload(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"loaded":  n,
		"routes":  s.registry.Table().Len(),
	})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.svc.List(r.Context(), userID(r))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	views := make([]endpointView, 0, len(eps))
	for i := range eps {
		views = append(views, s.view(&eps[i]))
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "data": views, "total": len(views)})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Delete(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "Endpoint deleted and its routes removed",
		"items_deleted":    out.ItemsDeleted,
		"routes_removed":   out.RoutesRemoved,
		"datasets_deleted": out.DatasetsDeleted,
	})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Dataset(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"dataset": out.Dataset,
		"data":    out.Rows,
		"total":   len(out.Rows),
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	eps, err := s.svc.List(r.Context(), "")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	byID := make(map[string]*types.Endpoint, len(eps))
	for i := range eps {
		byID[eps[i].ID] = &eps[i]
	}
	data, err := openapi.Render(openapi.Info{
		Title:     "kebapi generated endpoints",
		Version:   Version,
		ServerURL: s.cfg.Server.PublicURL,
	}, s.registry.Table().Routes(), byID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(data)
}

type healthResponse struct {
	Status    string `json:"status"`
	Endpoints int    `json:"endpoints"`
	Routes    int    `json:"routes"`
	Database  string `json:"database"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Endpoints: mountedEndpoints(s.registry),
		Routes:    s.registry.Table().Len(),
		Database:  "connected",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	}
	status := http.StatusOK
	if _, err := s.store.ListEndpoints(r.Context(), store.EndpointFilter{Limit: 1}); err != nil {
		resp.Status = "degraded"
		resp.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	apierr.WriteJSON(w, status, resp)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>kebapi</title></head>
<body>
<h1>kebapi {{.Version}}</h1>
<p>{{len .Routes}} routes mounted. <a href="/api/marketplace">marketplace</a> · <a href="/api/openapi.yaml">openapi.yaml</a> · <a href="/health">health</a></p>
<table>
<tr><th>Method</th><th>URL</th><th>Kind</th></tr>
{{range .Routes}}<tr><td>{{.Method}}</td><td><code>{{.URL}}</code></td><td>{{.Kind}}</td></tr>
{{end}}</table>
</body>
</html>
`))

type indexRoute struct {
	Method string
	URL    string
	Kind   string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(s.cfg.Server.PublicURL, "/")
	routes := make([]indexRoute, 0)
	for _, b := range s.registry.Table().Routes() {
		kind := "static"
		if b.Dynamic {
			kind = "dynamic"
		}
		routes = append(routes, indexRoute{Method: b.Method.String(), URL: base + b.Pattern, Kind: kind})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = indexTemplate.Execute(w, struct {
		Version string
		Routes  []indexRoute
	}{Version: Version, Routes: routes})
}

// mountedEndpoints counts distinct endpoints holding at least one route.
func mountedEndpoints(reg *registry.Registry) int {
	seen := make(map[string]struct{})
	for _, b := range reg.Table().Routes() {
		seen[b.EndpointID] = struct{}{}
	}
	return len(seen)
}
