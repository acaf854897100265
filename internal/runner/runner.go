package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/store"
)

const DefaultPageSize = 20

var (
	ErrNoSubjects  = errors.New("no subjects selected")
	ErrNoEvaluator = errors.New("evaluation endpoint not configured")
)

// TestResult is one subject's outcome from a batch run. Exactly one of
// Outcome and Err is set.
type TestResult struct {
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	Outcome     any    `json:"outcome,omitempty"`
	Err         error  `json:"-"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// Runner executes a compiled library against batches of subjects and keeps
// the roster plus the result view state of the most recent run. It is
// single-owner state like the session: callers serialize access, the runner
// itself takes no locks.
type Runner struct {
	Evaluator store.Evaluator
	Subjects  store.SubjectSource
	PageSize  int
	Logger    *zap.Logger

	roster   []domain.Patient
	page     int
	results  []TestResult
	expanded map[string]bool
	runID    string
}

func New(evaluator store.Evaluator, subjects store.SubjectSource) *Runner {
	return &Runner{Evaluator: evaluator, Subjects: subjects, PageSize: DefaultPageSize}
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	return r.Logger
}

// Run evaluates the library once per selected subject, all subjects in
// flight concurrently. A subject's failure is captured in its TestResult
// and never fails the run; the returned slice index i always corresponds
// to subjects[i] no matter which evaluation finishes first. After the join
// every subject starts expanded in the result view.
func (r *Runner) Run(ctx context.Context, libraryID string, subjects []domain.Patient) ([]TestResult, error) {
	if len(subjects) == 0 {
		return nil, ErrNoSubjects
	}
	if r.Evaluator == nil {
		return nil, ErrNoEvaluator
	}
	runID := uuid.NewString()
	log := r.logger().With(zap.String("run_id", runID), zap.String("library_id", libraryID))
	log.Info("batch run started", zap.Int("subjects", len(subjects)))

	results := make([]TestResult, len(subjects))
	var eg errgroup.Group
	for i, subject := range subjects {
		eg.Go(func() error {
			started := time.Now()
			params := domain.Parameters{
				ResourceType: "Parameters",
				Parameter: []domain.Parameter{
					{Name: "subject", ValueString: "Patient/" + subject.ID},
				},
			}
			outcome, err := r.Evaluator.Evaluate(ctx, libraryID, params)
			res := TestResult{
				SubjectID:   subject.ID,
				SubjectName: subject.DisplayName(),
				ElapsedMs:   time.Since(started).Milliseconds(),
			}
			if err != nil {
				res.Err = err
				log.Warn("subject evaluation failed", zap.String("subject_id", subject.ID), zap.Error(err))
			} else {
				res.Outcome = outcome
			}
			results[i] = res
			return nil
		})
	}
	// workers report failure through their result slot, so the wait only
	// acts as the all-complete barrier
	_ = eg.Wait()

	r.results = results
	r.runID = runID
	r.expanded = make(map[string]bool, len(results))
	for _, res := range results {
		r.expanded[res.SubjectID] = true
	}
	log.Info("batch run finished", zap.Int("failed", countFailed(results)))
	return results, nil
}

func countFailed(results []TestResult) int {
	n := 0
	for _, res := range results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

func (r *Runner) Results() []TestResult { return r.results }

func (r *Runner) RunID() string { return r.runID }

// Expanded reports whether a subject's result row is shown expanded.
func (r *Runner) Expanded(id string) bool { return r.expanded[id] }

// Toggle flips one subject's expansion by set membership.
func (r *Runner) Toggle(id string) {
	if r.expanded == nil {
		r.expanded = make(map[string]bool)
	}
	if r.expanded[id] {
		delete(r.expanded, id)
		return
	}
	r.expanded[id] = true
}

// ToggleAll collapses everything when every result is expanded, otherwise
// expands everything.
func (r *Runner) ToggleAll() {
	all := len(r.results) > 0
	for _, res := range r.results {
		if !r.expanded[res.SubjectID] {
			all = false
			break
		}
	}
	if all {
		r.expanded = make(map[string]bool)
		return
	}
	r.expanded = make(map[string]bool, len(r.results))
	for _, res := range r.results {
		r.expanded[res.SubjectID] = true
	}
}

// LoadPatients replaces the roster, in full when term is empty or via a
// backend search otherwise, and resets paging to the first page. In-flight
// loads are not cancelled by newer ones; whichever load resolves last wins.
func (r *Runner) LoadPatients(ctx context.Context, term string) ([]domain.Patient, error) {
	if r.Subjects == nil {
		return nil, fmt.Errorf("no subject source configured")
	}
	patients, err := r.Subjects.Patients(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	r.roster = patients
	r.page = 1
	return patients, nil
}

func (r *Runner) Roster() []domain.Patient { return r.roster }

// SelectByID resolves subject ids against the loaded roster, preserving the
// given selection order. Unknown ids still participate with a bare subject
// so a stale selection fails at evaluation time, not silently.
func (r *Runner) SelectByID(ids []string) []domain.Patient {
	byID := make(map[string]domain.Patient, len(r.roster))
	for _, p := range r.roster {
		byID[p.ID] = p
	}
	selected := make([]domain.Patient, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			selected = append(selected, p)
			continue
		}
		selected = append(selected, domain.Patient{ResourceType: domain.ResourceTypePatient, ID: id})
	}
	return selected
}

func (r *Runner) pageSize() int {
	if r.PageSize > 0 {
		return r.PageSize
	}
	return DefaultPageSize
}

func (r *Runner) PageCount() int {
	size := r.pageSize()
	return (len(r.roster) + size - 1) / size
}

func (r *Runner) CurrentPage() int {
	if r.page < 1 {
		return 1
	}
	return r.page
}

// SetPage clamps into the valid page range.
func (r *Runner) SetPage(n int) {
	if n < 1 {
		n = 1
	}
	if pc := r.PageCount(); pc > 0 && n > pc {
		n = pc
	}
	r.page = n
}

// Page returns the roster slice for the current page.
func (r *Runner) Page() []domain.Patient {
	size := r.pageSize()
	start := (r.CurrentPage() - 1) * size
	if start >= len(r.roster) {
		return nil
	}
	end := start + size
	if end > len(r.roster) {
		end = len(r.roster)
	}
	return r.roster[start:end]
}
