package studio_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/store"
	"github.com/cqframework/cql-studio-sub002/internal/studio"
)

type fakeStore struct {
	libs        map[string]domain.Library
	createCalls int
	getErr      error
	createErr   error
	deleteErr   error
}

func newFakeStore(libs ...domain.Library) *fakeStore {
	f := &fakeStore{libs: map[string]domain.Library{}}
	for _, lib := range libs {
		f.libs[lib.ID] = lib
	}
	return f
}

func (f *fakeStore) Get(ctx context.Context, id string) (domain.Library, error) {
	if f.getErr != nil {
		return domain.Library{}, f.getErr
	}
	lib, ok := f.libs[id]
	if !ok {
		return domain.Library{}, store.ErrNotFound
	}
	return lib, nil
}

func (f *fakeStore) Search(ctx context.Context, term string) ([]domain.Library, error) {
	var out []domain.Library
	for _, lib := range f.libs {
		out = append(out, lib)
	}
	return out, nil
}

func (f *fakeStore) Create(ctx context.Context, lib domain.Library) (domain.Library, error) {
	f.createCalls++
	if f.createErr != nil {
		return domain.Library{}, f.createErr
	}
	f.libs[lib.ID] = lib
	return lib, nil
}

func (f *fakeStore) Delete(ctx context.Context, lib domain.Library) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.libs[lib.ID]; !ok {
		return store.ErrNotFound
	}
	delete(f.libs, lib.ID)
	return nil
}

func (f *fakeStore) List(ctx context.Context, opts store.ListOptions) (store.ListResult, error) {
	items, _ := f.Search(ctx, "")
	total := len(items)
	return store.ListResult{Items: items, Total: &total}, nil
}

type fakeTranslator struct {
	elm   string
	err   error
	calls int
	src   string
}

func (f *fakeTranslator) Translate(ctx context.Context, source string) (string, error) {
	f.calls++
	f.src = source
	if f.err != nil {
		return "", f.err
	}
	if f.elm == "" {
		return `<library xmlns="urn:hl7-org:elm:r1"/>`, nil
	}
	return f.elm, nil
}

type fakeNav struct {
	replaced []string
	pushed   []string
	reloads  int
}

func (f *fakeNav) Replace(path string) { f.replaced = append(f.replaced, path) }
func (f *fakeNav) Push(path string)    { f.pushed = append(f.pushed, path) }
func (f *fakeNav) Reload()             { f.reloads++ }

type fakeListing struct {
	reloads int
	err     error
}

func (f *fakeListing) Reload(ctx context.Context) error {
	f.reloads++
	return f.err
}

func cleanLibrary(id string) domain.Library {
	snapshot, _ := json.Marshal(domain.GuidelineArtifact{
		Name:    "Chf Screening",
		Title:   "CHF Screening",
		Version: "2.0.0",
		Context: "Patient",
	})
	return domain.Library{
		ResourceType: domain.ResourceTypeLibrary,
		ID:           id,
		Name:         "Chf Screening",
		Title:        "CHF Screening",
		Version:      "2.0.0",
		Status:       domain.StatusActive,
		Type: &domain.CodeableConcept{Coding: []domain.Coding{{
			System: domain.LibraryTypeSystem,
			Code:   domain.LibraryTypeCode,
		}}},
		Extension: []domain.Extension{{URL: domain.ArtifactExtensionURL, ValueString: string(snapshot)}},
		Content: []domain.Attachment{{
			ContentType: domain.ContentTypeCQL,
			Data:        []byte(`library "Chf Screening" version '2.0.0'`),
		}},
	}
}

func newSession(st store.Store, tr studio.Translator) (*studio.Session, *fakeNav) {
	nav := &fakeNav{}
	s := studio.New(st, tr, nav)
	s.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, nav
}

func TestNavigateHome(t *testing.T) {
	s, _ := newSession(newFakeStore(), &fakeTranslator{})
	s.RequestNew()
	if err := s.Navigate(context.Background(), studio.Intent{}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateBrowser {
		t.Fatalf("expected browser, got %s", snap.State)
	}
	if snap.NewGuidelineModal || snap.ConversionPrompt {
		t.Fatalf("expected overlays cleared: %+v", snap)
	}
}

func TestOpenCleanGuideline(t *testing.T) {
	lib := cleanLibrary("chf")
	s, nav := newSession(newFakeStore(lib), &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "chf"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateEditor {
		t.Fatalf("expected editor, got %s", snap.State)
	}
	if snap.ConversionPrompt {
		t.Fatalf("clean open must not prompt for conversion")
	}
	if snap.Current == nil || snap.Current.ID != "chf" {
		t.Fatalf("current not set: %+v", snap.Current)
	}
	if snap.Artifact == nil || snap.Artifact.Name != "Chf Screening" || snap.Artifact.Version != "2.0.0" {
		t.Fatalf("artifact not restored from snapshot: %+v", snap.Artifact)
	}
	if len(nav.replaced) != 1 || nav.replaced[0] != "/guidelines/chf" {
		t.Fatalf("expected history replace to /guidelines/chf, got %v", nav.replaced)
	}
}

func TestOpenRequiresConversion(t *testing.T) {
	lib := cleanLibrary("legacy")
	lib.Extension = nil // no artifact snapshot
	s, nav := newSession(newFakeStore(lib), &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "legacy"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateBrowser {
		t.Fatalf("base state must not change, got %s", snap.State)
	}
	if !snap.ConversionPrompt {
		t.Fatalf("expected conversion prompt")
	}
	if snap.Pending == nil || snap.Pending.ID != "legacy" {
		t.Fatalf("expected stashed resource, got %+v", snap.Pending)
	}
	if len(snap.PendingIssues) == 0 {
		t.Fatalf("expected validation issues for the prompt")
	}
	if len(nav.replaced) != 0 {
		t.Fatalf("no navigation before the user decides, got %v", nav.replaced)
	}

	if err := s.ConfirmConversion(context.Background()); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	snap = s.Snapshot()
	if snap.State != studio.StateEditor {
		t.Fatalf("expected editor after conversion, got %s", snap.State)
	}
	if snap.ConversionPrompt || snap.Pending != nil {
		t.Fatalf("prompt not cleared: %+v", snap)
	}
	// without a snapshot the artifact rebuilds from library metadata
	if snap.Artifact == nil || snap.Artifact.Name != "Chf Screening" {
		t.Fatalf("artifact not rebuilt: %+v", snap.Artifact)
	}
	if len(nav.replaced) != 1 || nav.replaced[0] != "/guidelines/legacy" {
		t.Fatalf("expected replace to /guidelines/legacy, got %v", nav.replaced)
	}
}

func TestCancelConversion(t *testing.T) {
	lib := cleanLibrary("legacy")
	lib.Extension = nil
	s, _ := newSession(newFakeStore(lib), &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "legacy"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	s.CancelConversion()
	snap := s.Snapshot()
	if snap.ConversionPrompt || snap.Pending != nil || len(snap.PendingIssues) != 0 {
		t.Fatalf("expected prompt discarded: %+v", snap)
	}
	if snap.State != studio.StateBrowser {
		t.Fatalf("expected browser, got %s", snap.State)
	}
	if err := s.ConfirmConversion(context.Background()); !errors.Is(err, studio.ErrNoPendingConversion) {
		t.Fatalf("expected ErrNoPendingConversion, got %v", err)
	}
}

func TestNavigateTesting(t *testing.T) {
	lib := cleanLibrary("chf")
	s, nav := newSession(newFakeStore(lib), &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "chf", Testing: true}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateTesting {
		t.Fatalf("expected testing, got %s", snap.State)
	}
	if snap.Current == nil || snap.Current.ID != "chf" {
		t.Fatalf("current not set")
	}
	if len(nav.replaced) != 0 || len(nav.pushed) != 0 {
		t.Fatalf("url-driven navigation must not emit paths: %v %v", nav.replaced, nav.pushed)
	}
}

func TestNavigateFetchFailureKeepsState(t *testing.T) {
	lib := cleanLibrary("chf")
	st := newFakeStore(lib)
	s, _ := newSession(st, &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "chf"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	st.getErr = fmt.Errorf("server unreachable")
	err := s.Navigate(context.Background(), studio.Intent{ID: "other"})
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	snap := s.Snapshot()
	if snap.State != studio.StateEditor || snap.Current == nil || snap.Current.ID != "chf" {
		t.Fatalf("state changed on failed fetch: %+v", snap)
	}
}

func TestCreateNewWithoutTranslatorEndpoint(t *testing.T) {
	st := newFakeStore()
	s, _ := newSession(st, nil)
	s.RequestNew()
	_, err := s.CreateNew(context.Background(), studio.NewGuidelineOptions{Name: "My Guideline!"})
	if !errors.Is(err, studio.ErrNoTranslatorEndpoint) {
		t.Fatalf("expected ErrNoTranslatorEndpoint, got %v", err)
	}
	if st.createCalls != 0 {
		t.Fatalf("create must not be invoked, got %d calls", st.createCalls)
	}
	if s.Snapshot().State != studio.StateBrowser {
		t.Fatalf("state must stay browser")
	}
}

func TestCreateNewTranslationFailure(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTranslator{err: fmt.Errorf("could not resolve identifier")}
	s, _ := newSession(st, tr)
	_, err := s.CreateNew(context.Background(), studio.NewGuidelineOptions{Name: "Broken"})
	if err == nil {
		t.Fatalf("expected translation error")
	}
	if st.createCalls != 0 {
		t.Fatalf("create must not be invoked after translation failure, got %d", st.createCalls)
	}
	if s.Snapshot().State != studio.StateBrowser {
		t.Fatalf("browser state must be unchanged")
	}
}

func TestCreateNewPersistenceFailure(t *testing.T) {
	st := newFakeStore()
	st.createErr = fmt.Errorf("conflict")
	s, _ := newSession(st, &fakeTranslator{})
	_, err := s.CreateNew(context.Background(), studio.NewGuidelineOptions{Name: "Dup"})
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if st.createCalls != 1 {
		t.Fatalf("expected one create attempt, got %d", st.createCalls)
	}
	if s.Snapshot().State != studio.StateBrowser {
		t.Fatalf("browser state must be unchanged")
	}
}

func TestCreateNewSuccess(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTranslator{elm: `<library name="mg"/>`}
	s, nav := newSession(st, tr)
	s.CanonicalBase = "https://example.org/fhir"
	s.RequestNew()
	created, err := s.CreateNew(context.Background(), studio.NewGuidelineOptions{Name: "My Guideline!"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "My-Guideline-" {
		t.Fatalf("unexpected derived id %q", created.ID)
	}
	if created.Status != domain.StatusActive {
		t.Fatalf("expected active status, got %q", created.Status)
	}
	if created.Title != "My Guideline!" || created.Version != "1.0.0" {
		t.Fatalf("metadata fallbacks wrong: title=%q version=%q", created.Title, created.Version)
	}
	if created.URL != "https://example.org/fhir/Library/My-Guideline-" {
		t.Fatalf("unexpected canonical url %q", created.URL)
	}
	if !created.HasTypeCoding(domain.LibraryTypeSystem, domain.LibraryTypeCode) {
		t.Fatalf("missing logic-library coding")
	}
	cqlAtt := created.ContentByType(domain.ContentTypeCQL)
	if cqlAtt == nil || !strings.Contains(string(cqlAtt.Data), `library "My Guideline!" version '1.0.0'`) {
		t.Fatalf("cql content missing or wrong: %+v", cqlAtt)
	}
	elmAtt := created.ContentByType(domain.ContentTypeELM)
	if elmAtt == nil || string(elmAtt.Data) != `<library name="mg"/>` {
		t.Fatalf("elm content missing or wrong: %+v", elmAtt)
	}
	ext := created.ExtensionByURL(domain.ArtifactExtensionURL)
	if ext == nil {
		t.Fatalf("missing artifact extension")
	}
	var snapArtifact domain.GuidelineArtifact
	if err := json.Unmarshal([]byte(ext.ValueString), &snapArtifact); err != nil {
		t.Fatalf("snapshot not json: %v", err)
	}
	if snapArtifact.Name != "My Guideline!" || snapArtifact.URL != created.URL {
		t.Fatalf("snapshot mismatch: %+v", snapArtifact)
	}
	if tr.calls != 1 || !strings.Contains(tr.src, "using FHIR version '4.0.1'") {
		t.Fatalf("translator saw wrong source (%d calls): %q", tr.calls, tr.src)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateEditor {
		t.Fatalf("expected editor after create, got %s", snap.State)
	}
	if snap.NewGuidelineModal {
		t.Fatalf("modal should close after create")
	}
	if len(nav.replaced) != 1 || nav.replaced[0] != "/guidelines/My-Guideline-" {
		t.Fatalf("expected replace to the new guideline, got %v", nav.replaced)
	}
	if st.createCalls != 1 {
		t.Fatalf("expected exactly one create, got %d", st.createCalls)
	}
}

func TestCreateNewRequiresName(t *testing.T) {
	s, _ := newSession(newFakeStore(), &fakeTranslator{})
	if _, err := s.CreateNew(context.Background(), studio.NewGuidelineOptions{Name: "   "}); err == nil {
		t.Fatalf("expected name validation error")
	}
}

func TestTestLibraryPushesHistory(t *testing.T) {
	lib := cleanLibrary("chf")
	s, nav := newSession(newFakeStore(lib), &fakeTranslator{})
	s.TestLibrary(lib)
	snap := s.Snapshot()
	if snap.State != studio.StateTesting {
		t.Fatalf("expected testing, got %s", snap.State)
	}
	if len(nav.pushed) != 1 || nav.pushed[0] != "/guidelines/chf/testing" {
		t.Fatalf("expected history push, got %v", nav.pushed)
	}
	if len(nav.replaced) != 0 {
		t.Fatalf("test navigation must be additive, got replaces %v", nav.replaced)
	}
}

func TestCloseClearsState(t *testing.T) {
	lib := cleanLibrary("chf")
	s, nav := newSession(newFakeStore(lib), &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "chf"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	s.Close()
	snap := s.Snapshot()
	if snap.State != studio.StateBrowser || snap.Current != nil || snap.Artifact != nil {
		t.Fatalf("close did not reset: %+v", snap)
	}
	if nav.replaced[len(nav.replaced)-1] != "/guidelines" {
		t.Fatalf("expected replace to listing, got %v", nav.replaced)
	}
}

func TestDeleteCurrentGuideline(t *testing.T) {
	lib := cleanLibrary("chf")
	st := newFakeStore(lib)
	s, _ := newSession(st, &fakeTranslator{})
	listing := &fakeListing{}
	s.Listing = listing
	if err := s.Navigate(context.Background(), studio.Intent{ID: "chf"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if err := s.Delete(context.Background(), lib); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateBrowser || snap.Current != nil || snap.Artifact != nil {
		t.Fatalf("expected reset after deleting open guideline: %+v", snap)
	}
	if listing.reloads != 1 {
		t.Fatalf("expected mounted listing reload, got %d", listing.reloads)
	}
	if _, err := st.Get(context.Background(), "chf"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("guideline not deleted")
	}
}

func TestDeleteOtherGuidelineKeepsView(t *testing.T) {
	open := cleanLibrary("open")
	other := cleanLibrary("other")
	st := newFakeStore(open, other)
	s, nav := newSession(st, &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "open"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if err := s.Delete(context.Background(), other); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateEditor || snap.Current == nil || snap.Current.ID != "open" {
		t.Fatalf("unrelated delete must keep the open view: %+v", snap)
	}
	// no mounted listing, so the navigator reloads
	if nav.reloads != 1 {
		t.Fatalf("expected navigation reload fallback, got %d", nav.reloads)
	}
}

func TestDeleteFailureKeepsState(t *testing.T) {
	lib := cleanLibrary("chf")
	st := newFakeStore(lib)
	st.deleteErr = fmt.Errorf("remote rejected")
	s, nav := newSession(st, &fakeTranslator{})
	if err := s.Navigate(context.Background(), studio.Intent{ID: "chf"}); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	err := s.Delete(context.Background(), lib)
	if err == nil || !strings.Contains(err.Error(), "remote rejected") {
		t.Fatalf("expected surfaced failure message, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != studio.StateEditor || snap.Current == nil {
		t.Fatalf("state must be unchanged on delete failure: %+v", snap)
	}
	if nav.reloads != 0 {
		t.Fatalf("no listing refresh on failure")
	}
}
