package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/apierr"
	"github.com/kebapi/kebapi/internal/auth"
	"github.com/kebapi/kebapi/internal/filter"
	"github.com/kebapi/kebapi/internal/logging"
	"github.com/kebapi/kebapi/internal/store"
	"github.com/kebapi/kebapi/pkg/types"
)

// maxBodyBytes caps item payloads accepted by generated routes.
const maxBodyBytes = 1 << 20

type listResponse struct {
	Success bool             `json:"success"`
	Data    []map[string]any `json:"data"`
	Total   int              `json:"total"`
}

type itemResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

func (r *Registry) staticBindings(ep *types.Endpoint) ([]Binding, error) {
	m, err := ParseMethod(ep.Method)
	if err != nil {
		return nil, err
	}
	if len(ep.ResponseSnapshot) == 0 {
		return nil, errors.New("endpoint has neither a field schema nor a response snapshot")
	}
	pattern := ep.FullPath()
	snapshot := ep.ResponseSnapshot
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(snapshot)
	})
	return []Binding{{
		Method:     m,
		Pattern:    pattern,
		EndpointID: ep.ID,
		Version:    ep.CreatedAt.UnixNano(),
		Handler:    r.instrument(ep.ID, m, pattern, h),
	}}, nil
}

func (r *Registry) dynamicBindings(ep *types.Endpoint) []Binding {
	base := ep.FullPath()
	item := base + "/:id"
	routes := []struct {
		method  Method
		pattern string
	}{
		{MethodGet, base},
		{MethodGet, item},
		{MethodPost, base},
		{MethodPut, item},
		{MethodDelete, item},
	}
	out := make([]Binding, 0, len(routes))
	for _, rt := range routes {
		h := r.dynamicHandler(ep, rt.method, rt.pattern == item)
		out = append(out, Binding{
			Method:     rt.method,
			Pattern:    rt.pattern,
			EndpointID: ep.ID,
			Version:    ep.CreatedAt.UnixNano(),
			Dynamic:    true,
			Handler:    r.instrument(ep.ID, rt.method, rt.pattern, h),
		})
	}
	return out
}

func (r *Registry) dynamicHandler(ep *types.Endpoint, m Method, single bool) http.HandlerFunc {
	switch m {
	case MethodGet:
		if single {
			return r.getItem(ep)
		}
		return r.listItems(ep)
	case MethodPost:
		return r.createItem(ep)
	case MethodPut:
		return r.replaceItem(ep)
	case MethodDelete:
		return r.deleteItem(ep)
	default:
		return func(w http.ResponseWriter, req *http.Request) {
			apierr.Write(w, apierr.New(apierr.CodeMethodNotAllowed, "method not allowed"))
		}
	}
}

func (r *Registry) listItems(ep *types.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		items, err := r.store.ListItems(req.Context(), ep.ID)
		if err != nil {
			apierr.Write(w, apierr.Wrap(apierr.CodeStore, "failed to load items", err))
			return
		}
		data := make([]map[string]any, 0, len(items))
		for i := range items {
			data = append(data, items[i].Project())
		}
		apierr.WriteJSON(w, http.StatusOK, listResponse{Success: true, Data: data, Total: len(data)})
	}
}

func (r *Registry) getItem(ep *types.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		it, err := r.store.GetItem(req.Context(), ep.ID, PathParam(req, "id"))
		if err != nil {
			apierr.Write(w, itemError(err))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, itemResponse{Success: true, Data: it.Project()})
	}
}

func (r *Registry) createItem(ep *types.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		payload, err := decodePayload(w, req, ep.FieldSchema)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		owner := ep.OwnerID
		if id, ok := auth.FromContext(req.Context()); ok {
			owner = id.UserID
		}
		now := r.now()
		it := types.Item{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			OwnerID:    owner,
			Payload:    payload,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := r.store.CreateItems(req.Context(), []types.Item{it}); err != nil {
			apierr.Write(w, apierr.Wrap(apierr.CodeStore, "failed to create item", err))
			return
		}
		apierr.WriteJSON(w, http.StatusCreated, itemResponse{Success: true, Data: it.Project()})
	}
}

func (r *Registry) replaceItem(ep *types.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		it, err := r.store.GetItem(req.Context(), ep.ID, PathParam(req, "id"))
		if err != nil {
			apierr.Write(w, itemError(err))
			return
		}
		payload, err := decodePayload(w, req, ep.FieldSchema)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		it.Payload = payload
		it.UpdatedAt = r.now()
		if err := r.store.UpdateItem(req.Context(), it); err != nil {
			apierr.Write(w, itemError(err))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, itemResponse{Success: true, Data: it.Project()})
	}
}

func (r *Registry) deleteItem(ep *types.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := PathParam(req, "id")
		if err := r.store.DeleteItem(req.Context(), ep.ID, id); err != nil {
			apierr.Write(w, itemError(err))
			return
		}
		apierr.WriteJSON(w, http.StatusOK, itemResponse{Success: true, Data: map[string]any{"id": id}})
	}
}

func itemError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.CodeNotFound, "item not found")
	}
	return apierr.Wrap(apierr.CodeStore, "failed to access item", err)
}

// decodePayload reads a JSON object body, drops any client supplied "id" and
// checks the schema's required fields.
func decodePayload(w http.ResponseWriter, req *http.Request, schema *types.FieldSchema) (map[string]any, error) {
	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, apierr.New(apierr.CodeInvalidArgument, "request body must be a JSON object")
	}
	delete(payload, "id")
	if schema == nil {
		return payload, nil
	}
	var missing []string
	for _, f := range schema.Fields {
		if !f.Required {
			continue
		}
		if v, ok := payload[f.Name]; !ok || v == nil {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		details := make(map[string]any, len(missing))
		for _, name := range missing {
			details[name] = "required"
		}
		e := apierr.Errorf(apierr.CodeInvalidArgument, "missing required fields: %s", strings.Join(missing, ", "))
		e.Details = details
		return nil, e
	}
	return payload, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument records metrics and an api_requests row for every call.
func (r *Registry) instrument(endpointID string, m Method, pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		var body []byte
		if req.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
			_ = req.Body.Close()
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)
		r.metrics.ObserveRequest(m.String(), pattern, rec.status, elapsed)

		headers := make(map[string]string, len(req.Header))
		for k, v := range req.Header {
			headers[k] = strings.Join(v, ", ")
		}
		logged := filter.Sanitize(types.APIRequest{
			EndpointID: endpointID,
			Method:     m.String(),
			Path:       req.URL.Path,
			Query:      req.URL.Query(),
			Headers:    headers,
			Body:       string(body),
			StatusCode: rec.status,
			LatencyMs:  elapsed.Milliseconds(),
			CreatedAt:  r.now(),
		}, r.sanitize)
		if err := r.store.LogRequest(context.WithoutCancel(req.Context()), &logged); err != nil {
			logging.From(req.Context()).Warn("failed to record request", zap.String("endpoint_id", endpointID), zap.Error(err))
		}
	})
}
