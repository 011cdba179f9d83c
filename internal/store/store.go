package store

import (
	"context"
	"errors"

	"github.com/kebapi/kebapi/pkg/types"
)

// ErrNotFound is returned when an equality filter matches no row.
var ErrNotFound = errors.New("record not found")

// EndpointFilter narrows ListEndpoints. Zero fields do not filter.
type EndpointFilter struct {
	OwnerID   string
	Method    string
	Namespace string
	Limit     int
	Offset    int
}

type Store interface {
	CreateEndpoint(ctx context.Context, ep *types.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error)
	ListEndpoints(ctx context.Context, f EndpointFilter) ([]types.Endpoint, error)
	CountEndpoints(ctx context.Context, ownerID string) (int, error)
	DeleteEndpoint(ctx context.Context, id string) error

	CreateItems(ctx context.Context, items []types.Item) error
	ListItems(ctx context.Context, endpointID string) ([]types.Item, error)
	GetItem(ctx context.Context, endpointID, id string) (*types.Item, error)
	UpdateItem(ctx context.Context, item *types.Item) error
	DeleteItem(ctx context.Context, endpointID, id string) error
	DeleteItemsByEndpoint(ctx context.Context, endpointID string) (int, error)
	CountItems(ctx context.Context) (map[string]int, error)

	CreateDataset(ctx context.Context, ds *types.Dataset, rows []map[string]any) error
	GetDataset(ctx context.Context, id string) (*types.Dataset, error)
	ListDatasetItems(ctx context.Context, datasetID string) ([]types.DatasetItem, error)
	LinkDataset(ctx context.Context, datasetID, endpointID string) error
	DeleteDatasetsByEndpoint(ctx context.Context, endpointID string) (int, error)

	LogRequest(ctx context.Context, req *types.APIRequest) error
	RequestCounts(ctx context.Context) (map[string]int, error)

	Close() error
}
