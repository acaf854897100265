package store

import (
	"context"
	"errors"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type ListOptions struct {
	Page    int
	Size    int
	SortKey string
	SortDir string
}

type ListResult struct {
	Items []domain.Library
	// Total is nil when the backend does not report an overall count.
	Total *int
}

// Store is the guideline persistence collaborator. Libraries are replaced
// whole on write, never patched.
type Store interface {
	Get(ctx context.Context, id string) (domain.Library, error)
	Search(ctx context.Context, term string) ([]domain.Library, error)
	Create(ctx context.Context, lib domain.Library) (domain.Library, error)
	Delete(ctx context.Context, lib domain.Library) error
	List(ctx context.Context, opts ListOptions) (ListResult, error)
}

// SubjectSource provides the test-subject roster. An empty term loads the
// full roster; a non-empty term delegates the search to the backend.
type SubjectSource interface {
	Patients(ctx context.Context, term string) ([]domain.Patient, error)
}

// Evaluator runs a compiled library against one subject.
type Evaluator interface {
	Evaluate(ctx context.Context, libraryID string, params domain.Parameters) (any, error)
}
