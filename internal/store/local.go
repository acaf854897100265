package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
)

// LocalStore keeps guidelines and an imported patient roster in the
// workspace SQLite database. The full resource is stored as JSON; a few
// columns are denormalized for listing and search.
type LocalStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewLocalStore(db *sql.DB) *LocalStore {
	return &LocalStore{DB: db, Now: time.Now}
}

func (s *LocalStore) now() string {
	if s.Now == nil {
		s.Now = time.Now
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s *LocalStore) Get(ctx context.Context, id string) (domain.Library, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT resource_json FROM libraries WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Library{}, ErrNotFound
	}
	if err != nil {
		return domain.Library{}, err
	}
	return decodeLibraryJSON(payload)
}

func (s *LocalStore) Search(ctx context.Context, term string) ([]domain.Library, error) {
	query := `SELECT resource_json FROM libraries ORDER BY name`
	args := []any{}
	if term != "" {
		query = `SELECT resource_json FROM libraries WHERE name LIKE ? OR title LIKE ? ORDER BY name`
		like := "%" + term + "%"
		args = append(args, like, like)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLibraries(rows)
}

func (s *LocalStore) Create(ctx context.Context, lib domain.Library) (domain.Library, error) {
	if lib.ID == "" {
		return domain.Library{}, fmt.Errorf("library id required")
	}
	lib.ResourceType = domain.ResourceTypeLibrary
	payload, err := json.Marshal(lib)
	if err != nil {
		return domain.Library{}, fmt.Errorf("marshal library: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Library{}, err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM libraries WHERE id=?`, lib.ID).Scan(&exists)
	if err == nil {
		return domain.Library{}, fmt.Errorf("library %s: %w", lib.ID, ErrExists)
	}
	if err != sql.ErrNoRows {
		return domain.Library{}, err
	}
	now := s.now()
	_, err = tx.ExecContext(ctx, `INSERT INTO libraries(id,name,title,version,status,resource_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		lib.ID, lib.Name, nullable(lib.Title), lib.Version, lib.Status, string(payload), now, now)
	if err != nil {
		return domain.Library{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Library{}, err
	}
	return lib, nil
}

func (s *LocalStore) Delete(ctx context.Context, lib domain.Library) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM libraries WHERE id=?`, lib.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var listSortColumns = map[string]string{
	"name":    "name",
	"title":   "title",
	"version": "version",
	"status":  "status",
	"date":    "updated_at",
	"updated": "updated_at",
}

func (s *LocalStore) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if opts.Size <= 0 {
		opts.Size = 20
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}
	col, ok := listSortColumns[strings.ToLower(opts.SortKey)]
	if !ok {
		col = "name"
	}
	dir := "ASC"
	if strings.EqualFold(opts.SortDir, "desc") {
		dir = "DESC"
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM libraries`).Scan(&total); err != nil {
		return ListResult{}, err
	}
	query := fmt.Sprintf(`SELECT resource_json FROM libraries ORDER BY %s %s LIMIT ? OFFSET ?`, col, dir)
	rows, err := s.DB.QueryContext(ctx, query, opts.Size, (opts.Page-1)*opts.Size)
	if err != nil {
		return ListResult{}, err
	}
	defer rows.Close()
	items, err := scanLibraries(rows)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: &total}, nil
}

func (s *LocalStore) Patients(ctx context.Context, term string) ([]domain.Patient, error) {
	query := `SELECT resource_json FROM patients ORDER BY display_name`
	args := []any{}
	if term != "" {
		query = `SELECT resource_json FROM patients WHERE display_name LIKE ? OR id LIKE ? ORDER BY display_name`
		like := "%" + term + "%"
		args = append(args, like, like)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var patients []domain.Patient
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p domain.Patient
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// ImportPatients upserts roster subjects, typically decoded from a FHIR
// bundle file. Existing entries are replaced whole.
func (s *LocalStore) ImportPatients(ctx context.Context, patients []domain.Patient) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count := 0
	for _, p := range patients {
		if p.ID == "" {
			continue
		}
		p.ResourceType = domain.ResourceTypePatient
		payload, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("marshal patient %s: %w", p.ID, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO patients(id,display_name,resource_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, resource_json=excluded.resource_json`,
			p.ID, p.DisplayName(), string(payload), s.now())
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, tx.Commit()
}

func scanLibraries(rows *sql.Rows) ([]domain.Library, error) {
	var items []domain.Library
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		lib, err := decodeLibraryJSON(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, lib)
	}
	return items, rows.Err()
}

func decodeLibraryJSON(payload string) (domain.Library, error) {
	var lib domain.Library
	if err := json.Unmarshal([]byte(payload), &lib); err != nil {
		return domain.Library{}, fmt.Errorf("decode library: %w", err)
	}
	return lib, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
