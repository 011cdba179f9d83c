package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kebapi/kebapi/pkg/types"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			method TEXT NOT NULL,
			description TEXT NOT NULL,
			project_namespace TEXT NOT NULL DEFAULT '',
			response_snapshot TEXT,
			field_schema TEXT,
			user_id TEXT NOT NULL DEFAULT '',
			original_prompt TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_user ON endpoints(user_id);`,
		`CREATE TABLE IF NOT EXISTS endpoint_items (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_items_endpoint ON endpoint_items(endpoint_id);`,
		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			row_count INTEGER NOT NULL DEFAULT 0,
			endpoint_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dataset_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dataset_items ON dataset_items(dataset_id);`,
		`CREATE TABLE IF NOT EXISTS api_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint_id TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			query_params TEXT,
			request_headers TEXT,
			request_body TEXT,
			status_code INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_endpoint ON api_requests(endpoint_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const endpointColumns = `id,path,method,description,project_namespace,response_snapshot,field_schema,user_id,original_prompt,created_at`

func (s *SQLiteStore) CreateEndpoint(ctx context.Context, ep *types.Endpoint) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	var snapshot, schema sql.NullString
	if len(ep.ResponseSnapshot) > 0 {
		snapshot = sql.NullString{String: string(ep.ResponseSnapshot), Valid: true}
	}
	if ep.FieldSchema != nil {
		b, err := json.Marshal(ep.FieldSchema)
		if err != nil {
			return fmt.Errorf("encode field schema: %w", err)
		}
		schema = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO endpoints(`+endpointColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		ep.ID, ep.Path, ep.Method, ep.Description, ep.ProjectNamespace, snapshot, schema, ep.OwnerID, ep.OriginalPrompt, ep.CreatedAt.UnixNano())
	return err
}

func (s *SQLiteStore) GetEndpoint(ctx context.Context, id string) (*types.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id=?`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

// ListEndpoints returns endpoints newest first.
func (s *SQLiteStore) ListEndpoints(ctx context.Context, f EndpointFilter) ([]types.Endpoint, error) {
	var where []string
	var args []any
	if f.OwnerID != "" {
		where = append(where, "user_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Method != "" {
		where = append(where, "method=?")
		args = append(args, strings.ToUpper(f.Method))
	}
	if f.Namespace != "" {
		where = append(where, "project_namespace=?")
		args = append(args, f.Namespace)
	}
	q := `SELECT ` + endpointColumns + ` FROM endpoints`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Endpoint, 0)
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ep)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountEndpoints(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM endpoints WHERE user_id=?`, ownerID).Scan(&n)
	return n, err
}

// DeleteEndpoint removes the description row only; items are left to the caller.
func (s *SQLiteStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(r rowScanner) (*types.Endpoint, error) {
	var ep types.Endpoint
	var snapshot, schema sql.NullString
	var created int64
	if err := r.Scan(&ep.ID, &ep.Path, &ep.Method, &ep.Description, &ep.ProjectNamespace, &snapshot, &schema, &ep.OwnerID, &ep.OriginalPrompt, &created); err != nil {
		return nil, err
	}
	ep.CreatedAt = time.Unix(0, created).UTC()
	if snapshot.Valid && snapshot.String != "" {
		ep.ResponseSnapshot = json.RawMessage(snapshot.String)
	}
	if schema.Valid && schema.String != "" {
		var fs types.FieldSchema
		if err := json.Unmarshal([]byte(schema.String), &fs); err != nil {
			return nil, fmt.Errorf("decode field schema of %s: %w", ep.ID, err)
		}
		ep.FieldSchema = &fs
	}
	return &ep, nil
}

func (s *SQLiteStore) CreateItems(ctx context.Context, items []types.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO endpoint_items(id,endpoint_id,user_id,payload,created_at,updated_at) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for i := range items {
		it := &items[i]
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = it.CreatedAt
		}
		payload, err := encodePayload(it.Payload)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, it.ID, it.EndpointID, it.OwnerID, payload, it.CreatedAt.UnixNano(), it.UpdatedAt.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListItems returns items in insertion order.
func (s *SQLiteStore) ListItems(ctx context.Context, endpointID string) ([]types.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,endpoint_id,user_id,payload,created_at,updated_at FROM endpoint_items WHERE endpoint_id=? ORDER BY rowid ASC`, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetItem(ctx context.Context, endpointID, id string) (*types.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,endpoint_id,user_id,payload,created_at,updated_at FROM endpoint_items WHERE endpoint_id=? AND id=?`, endpointID, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, item *types.Item) error {
	item.UpdatedAt = time.Now().UTC()
	payload, err := encodePayload(item.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE endpoint_items SET payload=?, updated_at=? WHERE endpoint_id=? AND id=?`,
		payload, item.UpdatedAt.UnixNano(), item.EndpointID, item.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, endpointID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_items WHERE endpoint_id=? AND id=?`, endpointID, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *SQLiteStore) DeleteItemsByEndpoint(ctx context.Context, endpointID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_items WHERE endpoint_id=?`, endpointID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountItems returns item counts keyed by endpoint id.
func (s *SQLiteStore) CountItems(ctx context.Context) (map[string]int, error) {
	return s.countBy(ctx, `SELECT endpoint_id, COUNT(*) FROM endpoint_items GROUP BY endpoint_id`)
}

func scanItem(r rowScanner) (*types.Item, error) {
	var it types.Item
	var payload string
	var created, updated int64
	if err := r.Scan(&it.ID, &it.EndpointID, &it.OwnerID, &payload, &created, &updated); err != nil {
		return nil, err
	}
	it.CreatedAt = time.Unix(0, created).UTC()
	it.UpdatedAt = time.Unix(0, updated).UTC()
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", it.ID, err)
	}
	return &it, nil
}

func (s *SQLiteStore) CreateDataset(ctx context.Context, ds *types.Dataset, rows []map[string]any) error {
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	ds.RowCount = len(rows)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO datasets(id,user_id,name,description,row_count,endpoint_id,created_at) VALUES(?,?,?,?,?,?,?)`,
		ds.ID, ds.OwnerID, ds.Name, ds.Description, ds.RowCount, ds.EndpointID, ds.CreatedAt.UnixNano()); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dataset_items(dataset_id,seq,payload) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range rows {
		payload, err := encodePayload(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, ds.ID, i+1, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	var ds types.Dataset
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id,user_id,name,description,row_count,endpoint_id,created_at FROM datasets WHERE id=?`, id).
		Scan(&ds.ID, &ds.OwnerID, &ds.Name, &ds.Description, &ds.RowCount, &ds.EndpointID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ds.CreatedAt = time.Unix(0, created).UTC()
	return &ds, nil
}

func (s *SQLiteStore) ListDatasetItems(ctx context.Context, datasetID string) ([]types.DatasetItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,dataset_id,seq,payload FROM dataset_items WHERE dataset_id=? ORDER BY seq ASC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.DatasetItem, 0)
	for rows.Next() {
		var di types.DatasetItem
		var payload string
		if err := rows.Scan(&di.ID, &di.DatasetID, &di.Seq, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &di.Payload); err != nil {
			return nil, fmt.Errorf("decode dataset row %d: %w", di.ID, err)
		}
		out = append(out, di)
	}
	return out, rows.Err()
}

// DeleteDatasetsByEndpoint removes the datasets linked to endpointID with
// their rows and returns how many datasets were removed.
func (s *SQLiteStore) DeleteDatasetsByEndpoint(ctx context.Context, endpointID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_items WHERE dataset_id IN (SELECT id FROM datasets WHERE endpoint_id=?)`, endpointID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE endpoint_id=?`, endpointID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *SQLiteStore) LinkDataset(ctx context.Context, datasetID, endpointID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET endpoint_id=? WHERE id=?`, endpointID, datasetID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *SQLiteStore) LogRequest(ctx context.Context, req *types.APIRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	qp, _ := json.Marshal(req.Query)
	rh, _ := json.Marshal(req.Headers)
	res, err := s.db.ExecContext(ctx, `INSERT INTO api_requests(endpoint_id,method,path,query_params,request_headers,request_body,status_code,latency_ms,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		req.EndpointID, req.Method, req.Path, string(qp), string(rh), req.Body, req.StatusCode, req.LatencyMs, req.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	req.ID, _ = res.LastInsertId()
	return nil
}

// RequestCounts returns served request counts keyed by endpoint id.
func (s *SQLiteStore) RequestCounts(ctx context.Context) (map[string]int, error) {
	return s.countBy(ctx, `SELECT endpoint_id, COUNT(*) FROM api_requests GROUP BY endpoint_id`)
}

func (s *SQLiteStore) countBy(ctx context.Context, q string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

func encodePayload(p map[string]any) (string, error) {
	if p == nil {
		p = map[string]any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
