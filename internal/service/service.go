// Package service implements endpoint creation, deletion and listing on top of
// the store, the registry and the completion client.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/apierr"
	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/internal/generator"
	"github.com/kebapi/kebapi/internal/logging"
	"github.com/kebapi/kebapi/internal/metrics"
	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/internal/store"
	"github.com/kebapi/kebapi/pkg/types"
)

var validate = validator.New()

// Mode selects how a generated endpoint serves data.
type Mode string

const (
	// ModeDynamic backs the resource with stored items and five CRUD routes.
	ModeDynamic Mode = "dynamic"
	// ModeStatic serves one fixed response snapshot.
	ModeStatic Mode = "static"
)

// maxSampleRecords caps the records copied into a dataset endpoint's schema.
const maxSampleRecords = 5

type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Completer generator.Completer
	Quota     config.QuotaConfig
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

type Service struct {
	store     store.Store
	registry  *registry.Registry
	completer generator.Completer
	quota     config.QuotaConfig
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func New(d Deps) *Service {
	return &Service{
		store:     d.Store,
		registry:  d.Registry,
		completer: d.Completer,
		quota:     d.Quota,
		metrics:   d.Metrics,
		logger:    logging.OrNop(d.Logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest asks for a new endpoint generated from a prompt.
type CreateRequest struct {
	Prompt  string `json:"prompt"`
	Project string `json:"project" validate:"omitempty,max=64,excludesall=/?#%"`
	Mode    Mode   `json:"mode" validate:"omitempty,oneof=static dynamic"`
}

// DatasetRequest asks for a dynamic endpoint seeded from uploaded records.
type DatasetRequest struct {
	Name        string           `json:"name" validate:"required,max=100"`
	Description string           `json:"description" validate:"max=500"`
	Project     string           `json:"project" validate:"omitempty,max=64,excludesall=/?#%"`
	Records     []map[string]any `json:"records" validate:"required,min=1,max=5000"`
}

// Created is the outcome of a successful creation.
type Created struct {
	Endpoint *types.Endpoint `json:"endpoint"`
	Items    int             `json:"items"`
	Dataset  *types.Dataset  `json:"dataset,omitempty"`
}

// Create generates, persists and mounts an endpoint for owner. Checks run in
// order input, quota, generation; nothing is persisted unless generation
// produced a valid description.
func (s *Service) Create(ctx context.Context, owner string, req CreateRequest) (*Created, error) {
	if err := validate.Struct(&req); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	if len([]rune(prompt)) < s.quota.MinPromptLength {
		return nil, apierr.Errorf(apierr.CodeInvalidArgument, "Prompt must be at least %d characters", s.quota.MinPromptLength)
	}
	if err := s.checkQuota(ctx, owner); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeDynamic
	}
	logger := logging.From(ctx).With(zap.String("mode", string(mode)), zap.String("owner", owner))

	ep := &types.Endpoint{
		ID:               uuid.NewString(),
		ProjectNamespace: cleanProject(req.Project),
		OwnerID:          owner,
		OriginalPrompt:   prompt,
	}
	var samples []map[string]any
	switch mode {
	case ModeStatic:
		system, user := generator.BuildStaticPrompt(prompt)
		raw, err := s.complete(ctx, mode, system, user)
		if err != nil {
			return nil, err
		}
		gen, err := generator.ParseStatic(raw)
		if err != nil {
			return nil, s.malformed(logger, mode, err)
		}
		ep.Path = gen.Path
		ep.Method = gen.Method
		ep.Description = gen.Description
		ep.ResponseSnapshot = gen.ResponseData
	default:
		system, user := generator.BuildResourcePrompt(prompt)
		raw, err := s.complete(ctx, mode, system, user)
		if err != nil {
			return nil, err
		}
		gen, err := generator.ParseResource(raw)
		if err != nil {
			return nil, s.malformed(logger, mode, err)
		}
		ep.Path = generator.ResourcePath(gen.ResourceNamePlural)
		ep.Method = "GET"
		ep.Description = gen.Description
		ep.FieldSchema = &types.FieldSchema{
			ResourceNameSingular: gen.ResourceName,
			ResourceNamePlural:   gen.ResourceNamePlural,
			Fields:               gen.Fields,
			SampleRecords:        gen.SampleData,
		}
		samples = gen.SampleData
	}

	ep.CreatedAt = s.now()
	if err := s.mountable(logger, string(mode), ep); err != nil {
		return nil, err
	}
	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to save endpoint", err)
	}
	if err := s.registry.Register(ep); err != nil {
		logger.Error("failed to mount endpoint", zap.String("endpoint_id", ep.ID), zap.Error(err))
	}
	n, err := s.insertItems(ctx, ep, samples)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveGeneration(string(mode), "ok")
	logger.Info("endpoint created", zap.String("endpoint_id", ep.ID), zap.String("path", ep.FullPath()), zap.Int("items", n))
	return &Created{Endpoint: ep, Items: n}, nil
}

// CreateFromDataset names a resource from a sample of the records, then
// stores the dataset and mounts a dynamic endpoint whose items are the records.
func (s *Service) CreateFromDataset(ctx context.Context, owner string, req DatasetRequest) (*Created, error) {
	if err := validate.Struct(&req); err != nil {
		return nil, err
	}
	if err := s.checkQuota(ctx, owner); err != nil {
		return nil, err
	}
	logger := logging.From(ctx).With(zap.String("mode", "dataset"), zap.String("owner", owner))

	rows := make([]map[string]any, 0, len(req.Records))
	for _, rec := range req.Records {
		row := make(map[string]any, len(rec))
		for k, v := range rec {
			if k != "id" {
				row[k] = v
			}
		}
		rows = append(rows, row)
	}
	fields := generator.InferFields(rows)
	if len(fields) == 0 {
		return nil, apierr.New(apierr.CodeInvalidArgument, "records carry no fields")
	}

	system, user := generator.BuildDatasetPrompt(req.Name, req.Description, rows)
	raw, err := s.complete(ctx, "dataset", system, user)
	if err != nil {
		return nil, err
	}
	summary, err := generator.ParseDatasetSummary(raw)
	if err != nil {
		return nil, s.malformed(logger, "dataset", err)
	}

	now := s.now()
	ds := &types.Dataset{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   now,
	}

	description := summary.Description
	if description == "" {
		description = ds.Description
	}
	sample := rows
	if len(sample) > maxSampleRecords {
		sample = sample[:maxSampleRecords]
	}
	ep := &types.Endpoint{
		ID:               uuid.NewString(),
		Path:             generator.ResourcePath(summary.ResourceNamePlural),
		Method:           "GET",
		Description:      description,
		ProjectNamespace: cleanProject(req.Project),
		OwnerID:          owner,
		OriginalPrompt:   "dataset: " + ds.Name,
		CreatedAt:        now,
		FieldSchema: &types.FieldSchema{
			ResourceNameSingular: summary.ResourceName,
			ResourceNamePlural:   summary.ResourceNamePlural,
			Fields:               fields,
			SampleRecords:        sample,
		},
	}
	if err := s.mountable(logger, "dataset", ep); err != nil {
		return nil, err
	}
	if err := s.store.CreateDataset(ctx, ds, rows); err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to save dataset", err)
	}
	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to save endpoint", err)
	}
	if err := s.registry.Register(ep); err != nil {
		logger.Error("failed to mount endpoint", zap.String("endpoint_id", ep.ID), zap.Error(err))
	}
	n, err := s.insertItems(ctx, ep, rows)
	if err != nil {
		return nil, err
	}
	if err := s.store.LinkDataset(ctx, ds.ID, ep.ID); err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to link dataset", err)
	}
	ds.EndpointID = ep.ID
	s.metrics.ObserveGeneration("dataset", "ok")
	logger.Info("dataset endpoint created", zap.String("endpoint_id", ep.ID), zap.String("dataset_id", ds.ID), zap.Int("items", n))
	return &Created{Endpoint: ep, Items: n, Dataset: ds}, nil
}

func (s *Service) complete(ctx context.Context, mode Mode, system, user string) (string, error) {
	raw, err := s.completer.Complete(ctx, system, user)
	if err != nil {
		s.metrics.ObserveGeneration(string(mode), "upstream_error")
		logging.From(ctx).Error("completion failed", zap.String("mode", string(mode)), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return "", apierr.Wrap(apierr.CodeDeadlineExceeded, "generation timed out", err)
		}
		return "", apierr.Wrap(apierr.CodeUpstreamGeneration, "failed to generate endpoint", err)
	}
	return raw, nil
}

func (s *Service) malformed(logger *zap.Logger, mode Mode, err error) error {
	s.metrics.ObserveGeneration(string(mode), "malformed")
	logger.Warn("model output rejected", zap.Error(err))
	return apierr.Wrap(apierr.CodeUpstreamGeneration, "the AI returned an invalid endpoint description", err)
}

// mountable rejects an endpoint whose routes would overlap the control API.
func (s *Service) mountable(logger *zap.Logger, mode string, ep *types.Endpoint) error {
	err := s.registry.Check(ep)
	if err == nil {
		return nil
	}
	s.metrics.ObserveGeneration(mode, "rejected")
	logger.Warn("generated endpoint cannot be mounted", zap.String("path", ep.FullPath()), zap.Error(err))
	if errors.Is(err, registry.ErrReserved) {
		return apierr.Wrap(apierr.CodeInvalidArgument,
			fmt.Sprintf("The generated path %s is reserved. Describe the resource with a different name.", ep.FullPath()), err)
	}
	return apierr.Wrap(apierr.CodeUpstreamGeneration, "the AI returned an invalid endpoint description", err)
}

func (s *Service) checkQuota(ctx context.Context, owner string) error {
	if owner == "" || s.quota.MaxEndpointsPerUser <= 0 {
		return nil
	}
	n, err := s.store.CountEndpoints(ctx, owner)
	if err != nil {
		return apierr.Wrap(apierr.CodeStore, "failed to check quota", err)
	}
	if n >= s.quota.MaxEndpointsPerUser {
		return apierr.Errorf(apierr.CodeResourceExhausted,
			"Limit reached: You can create up to %d endpoints. Delete some to create new ones.", s.quota.MaxEndpointsPerUser)
	}
	return nil
}

func (s *Service) insertItems(ctx context.Context, ep *types.Endpoint, records []map[string]any) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := s.now()
	items := make([]types.Item, 0, len(records))
	for i, rec := range records {
		items = append(items, types.Item{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			OwnerID:    ep.OwnerID,
			Payload:    rec,
			CreatedAt:  now.Add(time.Duration(i)),
		})
	}
	if err := s.store.CreateItems(ctx, items); err != nil {
		return 0, apierr.Wrap(apierr.CodeStore, "endpoint saved but sample items could not be stored", err)
	}
	return len(items), nil
}

func cleanProject(p string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(p), "/"))
}

// Deleted reports what a deletion removed.
type Deleted struct {
	Endpoint        *types.Endpoint `json:"endpoint"`
	ItemsDeleted    int             `json:"items_deleted"`
	RoutesRemoved   int             `json:"routes_removed"`
	DatasetsDeleted int             `json:"datasets_deleted"`
}

// Delete removes an endpoint, unmounts its routes and deletes its items.
// A non-empty owner must own the endpoint; otherwise it is reported as not found.
func (s *Service) Delete(ctx context.Context, owner, id string) (*Deleted, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "endpoint not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to load endpoint", err)
	}
	if owner != "" && ep.OwnerID != owner {
		return nil, apierr.New(apierr.CodeNotFound, "endpoint not found")
	}
	if err := s.store.DeleteEndpoint(ctx, id); err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to delete endpoint", err)
	}
	routes := s.registry.Unregister(ep)
	items, err := s.store.DeleteItemsByEndpoint(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "endpoint deleted but its items could not be removed", err)
	}
	datasets, err := s.store.DeleteDatasetsByEndpoint(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "endpoint deleted but its dataset could not be removed", err)
	}
	logging.From(ctx).Info("endpoint deleted",
		zap.String("endpoint_id", id), zap.Int("routes", routes), zap.Int("items", items), zap.Int("datasets", datasets))
	return &Deleted{Endpoint: ep, ItemsDeleted: items, RoutesRemoved: routes, DatasetsDeleted: datasets}, nil
}

// DatasetRows is an uploaded dataset with its rows in upload order.
type DatasetRows struct {
	Dataset *types.Dataset   `json:"dataset"`
	Rows    []map[string]any `json:"rows"`
}

// Dataset returns one dataset of owner with its rows. Datasets of other owners
// are reported as not found.
func (s *Service) Dataset(ctx context.Context, owner, id string) (*DatasetRows, error) {
	ds, err := s.store.GetDataset(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "dataset not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to load dataset", err)
	}
	if owner != "" && ds.OwnerID != owner {
		return nil, apierr.New(apierr.CodeNotFound, "dataset not found")
	}
	items, err := s.store.ListDatasetItems(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to load dataset rows", err)
	}
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, it.Payload)
	}
	return &DatasetRows{Dataset: ds, Rows: rows}, nil
}

// Get returns one endpoint.
func (s *Service) Get(ctx context.Context, id string) (*types.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeNotFound, "endpoint not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to load endpoint", err)
	}
	return ep, nil
}

// List returns the endpoints of owner, newest first. An empty owner lists all.
func (s *Service) List(ctx context.Context, owner string) ([]types.Endpoint, error) {
	eps, err := s.store.ListEndpoints(ctx, store.EndpointFilter{OwnerID: owner})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStore, "failed to list endpoints", err)
	}
	return eps, nil
}

// Reload rebuilds the mounted routes from the store.
func (s *Service) Reload(ctx context.Context) (int, error) {
	n, err := s.registry.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload endpoints: %w", err)
	}
	return n, nil
}
