package runner_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/runner"
)

type fakeEvaluator struct {
	calls    atomic.Int64
	failFor  map[string]bool
	delayFor map[string]time.Duration
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, libraryID string, params domain.Parameters) (any, error) {
	f.calls.Add(1)
	subject := ""
	for _, p := range params.Parameter {
		if p.Name == "subject" {
			subject = strings.TrimPrefix(p.ValueString, "Patient/")
		}
	}
	if d, ok := f.delayFor[subject]; ok {
		time.Sleep(d)
	}
	if f.failFor[subject] {
		return nil, fmt.Errorf("evaluation failed for %s", subject)
	}
	return map[string]any{"subject": subject, "inPopulation": true}, nil
}

type fakeSubjects struct {
	patients []domain.Patient
	err      error
	lastTerm string
}

func (f *fakeSubjects) Patients(ctx context.Context, term string) ([]domain.Patient, error) {
	f.lastTerm = term
	if f.err != nil {
		return nil, f.err
	}
	return f.patients, nil
}

func subjects(n int) []domain.Patient {
	out := make([]domain.Patient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Patient{
			ResourceType: domain.ResourceTypePatient,
			ID:           fmt.Sprintf("p-%d", i),
			Name:         []domain.HumanName{{Given: []string{fmt.Sprintf("Pat%d", i)}, Family: "Test"}},
		})
	}
	return out
}

func TestRunIsolatesFailuresAndKeepsOrder(t *testing.T) {
	sel := subjects(6)
	eval := &fakeEvaluator{
		failFor: map[string]bool{"p-1": true, "p-4": true},
		// earlier subjects finish last, so completion order is reversed
		delayFor: map[string]time.Duration{
			"p-0": 60 * time.Millisecond,
			"p-1": 50 * time.Millisecond,
			"p-2": 40 * time.Millisecond,
			"p-3": 30 * time.Millisecond,
			"p-4": 20 * time.Millisecond,
			"p-5": 10 * time.Millisecond,
		},
	}
	r := runner.New(eval, &fakeSubjects{})
	results, err := r.Run(context.Background(), "lib-1", sel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != len(sel) {
		t.Fatalf("expected %d results, got %d", len(sel), len(results))
	}
	failed := 0
	for i, res := range results {
		if res.SubjectID != sel[i].ID {
			t.Fatalf("result %d out of selection order: got %s want %s", i, res.SubjectID, sel[i].ID)
		}
		if res.Err != nil {
			failed++
			if res.Outcome != nil {
				t.Fatalf("result %d has both outcome and error", i)
			}
		} else if res.Outcome == nil {
			t.Fatalf("result %d has neither outcome nor error", i)
		}
		if res.ElapsedMs < 0 {
			t.Fatalf("result %d negative elapsed", i)
		}
	}
	if failed != 2 {
		t.Fatalf("expected 2 failures, got %d", failed)
	}
	if got := eval.calls.Load(); got != int64(len(sel)) {
		t.Fatalf("expected %d evaluator calls, got %d", len(sel), got)
	}
	for _, s := range sel {
		if !r.Expanded(s.ID) {
			t.Fatalf("expected %s expanded after run", s.ID)
		}
	}
}

func TestRunEmptySelection(t *testing.T) {
	eval := &fakeEvaluator{}
	r := runner.New(eval, &fakeSubjects{})
	_, err := r.Run(context.Background(), "lib-1", nil)
	if !errors.Is(err, runner.ErrNoSubjects) {
		t.Fatalf("expected ErrNoSubjects, got %v", err)
	}
	if eval.calls.Load() != 0 {
		t.Fatalf("expected zero evaluator calls, got %d", eval.calls.Load())
	}
}

func TestRunWithoutEvaluator(t *testing.T) {
	r := runner.New(nil, &fakeSubjects{})
	_, err := r.Run(context.Background(), "lib-1", subjects(1))
	if !errors.Is(err, runner.ErrNoEvaluator) {
		t.Fatalf("expected ErrNoEvaluator, got %v", err)
	}
}

func TestToggleAndToggleAll(t *testing.T) {
	sel := subjects(3)
	r := runner.New(&fakeEvaluator{}, &fakeSubjects{})
	if _, err := r.Run(context.Background(), "lib-1", sel); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Toggle("p-1")
	if r.Expanded("p-1") {
		t.Fatalf("expected p-1 collapsed after toggle")
	}
	r.Toggle("p-1")
	if !r.Expanded("p-1") {
		t.Fatalf("expected p-1 expanded after second toggle")
	}
	// all expanded, so toggle-all collapses
	r.ToggleAll()
	for _, s := range sel {
		if r.Expanded(s.ID) {
			t.Fatalf("expected %s collapsed", s.ID)
		}
	}
	// mixed state expands everything
	r.Toggle("p-0")
	r.ToggleAll()
	for _, s := range sel {
		if !r.Expanded(s.ID) {
			t.Fatalf("expected %s expanded", s.ID)
		}
	}
}

func TestRosterPagination(t *testing.T) {
	src := &fakeSubjects{patients: subjects(45)}
	r := runner.New(&fakeEvaluator{}, src)
	if _, err := r.LoadPatients(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	if src.lastTerm != "" {
		t.Fatalf("full load should pass empty term, got %q", src.lastTerm)
	}
	if pc := r.PageCount(); pc != 3 {
		t.Fatalf("expected 3 pages, got %d", pc)
	}
	if got := len(r.Page()); got != 20 {
		t.Fatalf("expected 20 on first page, got %d", got)
	}
	r.SetPage(3)
	page := r.Page()
	if len(page) != 5 {
		t.Fatalf("expected 5 on last page, got %d", len(page))
	}
	if page[0].ID != "p-40" {
		t.Fatalf("unexpected first item on last page: %s", page[0].ID)
	}
	r.SetPage(99)
	if r.CurrentPage() != 3 {
		t.Fatalf("expected clamp to 3, got %d", r.CurrentPage())
	}
	r.SetPage(0)
	if r.CurrentPage() != 1 {
		t.Fatalf("expected clamp to 1, got %d", r.CurrentPage())
	}
	// reload resets paging
	r.SetPage(2)
	if _, err := r.LoadPatients(context.Background(), "smith"); err != nil {
		t.Fatalf("search: %v", err)
	}
	if src.lastTerm != "smith" {
		t.Fatalf("search term not delegated, got %q", src.lastTerm)
	}
	if r.CurrentPage() != 1 {
		t.Fatalf("expected page reset on reload, got %d", r.CurrentPage())
	}
}

func TestSelectByIDKeepsSelectionOrder(t *testing.T) {
	src := &fakeSubjects{patients: subjects(5)}
	r := runner.New(&fakeEvaluator{}, src)
	if _, err := r.LoadPatients(context.Background(), ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	sel := r.SelectByID([]string{"p-3", "p-0", "missing"})
	if len(sel) != 3 {
		t.Fatalf("expected 3 selected, got %d", len(sel))
	}
	if sel[0].ID != "p-3" || sel[1].ID != "p-0" || sel[2].ID != "missing" {
		t.Fatalf("selection order not preserved: %+v", sel)
	}
	if sel[0].DisplayName() != "Pat3 Test" {
		t.Fatalf("expected roster entry resolved, got %q", sel[0].DisplayName())
	}
	if sel[2].DisplayName() != "missing" {
		t.Fatalf("unknown id should fall back to bare subject, got %q", sel[2].DisplayName())
	}
}
