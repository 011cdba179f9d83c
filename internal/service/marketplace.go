package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/kebapi/kebapi/internal/apierr"
	"github.com/kebapi/kebapi/internal/store"
	"github.com/kebapi/kebapi/pkg/types"
)

const (
	defaultMarketplaceLimit = 50
	maxMarketplaceLimit     = 200
)

// MarketplaceQuery filters the public listing. Decoded from query parameters.
type MarketplaceQuery struct {
	Method  string `schema:"method" validate:"omitempty,oneof=GET POST PUT DELETE"`
	Project string `schema:"project" validate:"omitempty,max=64"`
	Limit   int    `schema:"limit" validate:"omitempty,min=1,max=200"`
	Offset  int    `schema:"offset" validate:"omitempty,min=0"`
}

// Listing is one entry of the marketplace.
type Listing struct {
	ID          string        `json:"id"`
	Path        string        `json:"path"`
	FullPath    string        `json:"full_path"`
	Method      string        `json:"method"`
	Description string        `json:"description"`
	Project     string        `json:"project,omitempty"`
	Mode        Mode          `json:"mode"`
	Resource    string        `json:"resource,omitempty"`
	Fields      []types.Field `json:"fields,omitempty"`
	Items       int           `json:"items"`
	Requests    int           `json:"requests"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Marketplace lists every endpoint, newest first, with item and request counts.
func (s *Service) Marketplace(ctx context.Context, q MarketplaceQuery) ([]Listing, error) {
	q.Method = strings.ToUpper(strings.TrimSpace(q.Method))
	if err := validate.Struct(&q); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultMarketplaceLimit
	}
	if limit > maxMarketplaceLimit {
		limit = maxMarketplaceLimit
	}
	eps, err := s.store.ListEndpoints(ctx, store.EndpointFilter{
		Method:    q.Method,
		Namespace: cleanProject(q.Project),
		Limit:     limit,
		Offset:    q.Offset,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to list endpoints", err)
	}
	items, err := s.store.CountItems(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to count items", err)
	}
	requests, err := s.store.RequestCounts(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to count requests", err)
	}

	out := make([]Listing, 0, len(eps))
	for i := range eps {
		ep := &eps[i]
		l := Listing{
			ID:          ep.ID,
			Path:        ep.Path,
			FullPath:    ep.FullPath(),
			Method:      ep.Method,
			Description: ep.Description,
			Project:     ep.ProjectNamespace,
			Mode:        ModeStatic,
			Items:       items[ep.ID],
			Requests:    requests[ep.ID],
			CreatedAt:   ep.CreatedAt,
		}
		if ep.Dynamic() {
			l.Mode = ModeDynamic
			l.Resource = ep.FieldSchema.ResourceNamePlural
			l.Fields = ep.FieldSchema.Fields
		}
		out = append(out, l)
	}
	return out, nil
}

// Stats summarizes stored endpoints.
type Stats struct {
	Total    int            `json:"total"`
	Dynamic  int            `json:"dynamic"`
	Static   int            `json:"static"`
	ByMethod map[string]int `json:"by_method"`
	Items    int            `json:"items"`
	Requests int            `json:"requests"`
	Routes   int            `json:"routes"`
	// TopRequested holds up to five endpoint ids ordered by request count.
	TopRequested []string `json:"top_requested,omitempty"`
}

// Stats counts the endpoints of owner, or all endpoints when owner is empty.
func (s *Service) Stats(ctx context.Context, owner string) (*Stats, error) {
	eps, err := s.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	items, err := s.store.CountItems(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to count items", err)
	}
	requests, err := s.store.RequestCounts(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to count requests", err)
	}

	st := &Stats{ByMethod: map[string]int{}, Routes: s.registry.Table().Len()}
	ids := make([]string, 0, len(eps))
	for i := range eps {
		ep := &eps[i]
		st.Total++
		if ep.Dynamic() {
			st.Dynamic++
		} else {
			st.Static++
		}
		st.ByMethod[ep.Method]++
		st.Items += items[ep.ID]
		st.Requests += requests[ep.ID]
		if requests[ep.ID] > 0 {
			ids = append(ids, ep.ID)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool { return requests[ids[i]] > requests[ids[j]] })
	if len(ids) > 5 {
		ids = ids[:5]
	}
	st.TopRequested = ids
	return st, nil
}
