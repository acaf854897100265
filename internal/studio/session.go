package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cqframework/cql-studio-sub002/internal/cql"
	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/format"
	"github.com/cqframework/cql-studio-sub002/internal/journal"
	"github.com/cqframework/cql-studio-sub002/internal/store"
)

type State string

const (
	StateBrowser State = "browser"
	StateEditor  State = "editor"
	StateTesting State = "testing"
)

var (
	ErrNoTranslatorEndpoint = errors.New("no translator endpoint configured")
	ErrNoPendingConversion  = errors.New("no conversion pending")
)

// Translator compiles CQL source into ELM. Implementations wrap the
// external translation service; a nil Translator means none is configured.
type Translator interface {
	Translate(ctx context.Context, source string) (string, error)
}

// Navigator receives the canonical path changes the session emits. Replace
// rewrites the current history entry, Push adds one, Reload forces the
// current view to load again.
type Navigator interface {
	Replace(path string)
	Push(path string)
	Reload()
}

// ListingView is an optional mounted browse listing that can refresh in
// place, sparing a full navigation reload after deletes.
type ListingView interface {
	Reload(ctx context.Context) error
}

// Intent is one navigation request: no ID means the browse listing, an ID
// opens that guideline, and Testing selects the testing view of it.
type Intent struct {
	ID      string
	Testing bool
}

// Snapshot is a read-only copy of the session's view state.
type Snapshot struct {
	State             State
	ConversionPrompt  bool
	NewGuidelineModal bool
	Current           *domain.Library
	Artifact          *domain.GuidelineArtifact
	Pending           *domain.Library
	PendingIssues     []string
}

// Session owns the authoring lifecycle: which view is active, the loaded
// guideline, and the in-progress artifact. It is single-owner state and not
// safe for concurrent use; callers serialize access.
type Session struct {
	Store         store.Store
	Translator    Translator
	Nav           Navigator
	Listing       ListingView
	Journal       journal.Writer
	Generate      func(domain.GuidelineArtifact) string
	CanonicalBase string
	Logger        *zap.Logger
	Now           func() time.Time

	state         State
	conversion    bool
	newModal      bool
	current       *domain.Library
	artifact      *domain.GuidelineArtifact
	pending       *domain.Library
	pendingIssues []string
}

func New(st store.Store, tr Translator, nav Navigator) *Session {
	return &Session{
		Store:      st,
		Translator: tr,
		Nav:        nav,
		Generate:   cql.Generate,
		Now:        time.Now,
		state:      StateBrowser,
	}
}

func (s *Session) logger() *zap.Logger {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	return s.Logger
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		State:             s.state,
		ConversionPrompt:  s.conversion,
		NewGuidelineModal: s.newModal,
		PendingIssues:     append([]string(nil), s.pendingIssues...),
	}
	if s.current != nil {
		lib := *s.current
		snap.Current = &lib
	}
	if s.artifact != nil {
		a := *s.artifact
		snap.Artifact = &a
	}
	if s.pending != nil {
		p := *s.pending
		snap.Pending = &p
	}
	return snap
}

// Navigate applies one navigation intent. A fetch failure leaves the
// current view state untouched and surfaces the error.
func (s *Session) Navigate(ctx context.Context, intent Intent) error {
	if intent.ID == "" {
		s.state = StateBrowser
		s.conversion = false
		s.newModal = false
		s.pending = nil
		s.pendingIssues = nil
		return nil
	}
	if intent.Testing {
		lib, err := s.Store.Get(ctx, intent.ID)
		if err != nil {
			return fmt.Errorf("open guideline %s for testing: %w", intent.ID, err)
		}
		s.state = StateTesting
		s.current = &lib
		return nil
	}
	lib, err := s.Store.Get(ctx, intent.ID)
	if err != nil {
		return fmt.Errorf("open guideline %s: %w", intent.ID, err)
	}
	validation := format.Validate(lib)
	if format.CanOpenCleanly(lib) {
		s.openEditor(lib)
		s.journal(ctx, journal.EventGuidelineOpened, lib.ID, nil)
		return nil
	}
	// hold the resource for a user decision; the base state stays put
	s.pending = &lib
	s.pendingIssues = validation.Issues
	s.conversion = true
	s.logger().Info("conversion required",
		zap.String("guideline_id", lib.ID),
		zap.Strings("issues", validation.Issues))
	return nil
}

// ConfirmConversion opens the stashed guideline exactly as a clean open
// would, then clears the prompt.
func (s *Session) ConfirmConversion(ctx context.Context) error {
	if s.pending == nil {
		return ErrNoPendingConversion
	}
	lib := *s.pending
	s.openEditor(lib)
	s.clearConversion()
	s.journal(ctx, journal.EventGuidelineOpened, lib.ID, journal.Payload{"converted": true})
	return nil
}

// CancelConversion discards the stashed guideline and clears the prompt.
func (s *Session) CancelConversion() {
	s.clearConversion()
}

func (s *Session) clearConversion() {
	s.conversion = false
	s.pending = nil
	s.pendingIssues = nil
}

// RequestNew shows the new-guideline modal without touching the base state.
func (s *Session) RequestNew() {
	s.newModal = true
}

// CancelNew hides the modal, leaving everything else alone.
func (s *Session) CancelNew() {
	s.newModal = false
}

type NewGuidelineOptions struct {
	Name        string
	Title       string
	Version     string
	Description string
}

// CreateNew runs the authoring pipeline: derive an identifier, rebuild the
// artifact, generate CQL, translate it, then persist the assembled library
// and open it in the editor. Persistence happens strictly after translation
// succeeds, so a translator failure can never leave a resource behind.
func (s *Session) CreateNew(ctx context.Context, opts NewGuidelineOptions) (domain.Library, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Library{}, errors.New("name is required")
	}
	id := cql.DeriveID(opts.Name)
	title := opts.Title
	if title == "" {
		title = opts.Name
	}
	version := opts.Version
	if version == "" {
		version = cql.DefaultVersion
	}
	artifact := domain.GuidelineArtifact{
		Name:        opts.Name,
		Title:       title,
		Version:     version,
		Description: opts.Description,
		URL:         s.canonicalURL(id),
		Context:     cql.DefaultContext,
		FHIRVersion: cql.DefaultFHIRVersion,
	}
	s.artifact = &artifact

	generate := s.Generate
	if generate == nil {
		generate = cql.Generate
	}
	source := generate(artifact)

	if s.Translator == nil {
		return domain.Library{}, ErrNoTranslatorEndpoint
	}
	elm, err := s.Translator.Translate(ctx, source)
	if err != nil {
		return domain.Library{}, fmt.Errorf("translate guideline: %w", err)
	}

	snapshot, err := json.Marshal(artifact)
	if err != nil {
		return domain.Library{}, fmt.Errorf("marshal artifact snapshot: %w", err)
	}
	lib := domain.Library{
		ResourceType: domain.ResourceTypeLibrary,
		ID:           id,
		URL:          artifact.URL,
		Name:         opts.Name,
		Title:        title,
		Version:      version,
		Status:       domain.StatusActive,
		Description:  opts.Description,
		Date:         s.now().UTC().Format(time.RFC3339),
		Type: &domain.CodeableConcept{Coding: []domain.Coding{{
			System: domain.LibraryTypeSystem,
			Code:   domain.LibraryTypeCode,
		}}},
		Extension: []domain.Extension{{
			URL:         domain.ArtifactExtensionURL,
			ValueString: string(snapshot),
		}},
		Content: []domain.Attachment{
			{ContentType: domain.ContentTypeCQL, Data: []byte(source)},
			{ContentType: domain.ContentTypeELM, Data: []byte(elm)},
		},
	}
	created, err := s.Store.Create(ctx, lib)
	if err != nil {
		return domain.Library{}, fmt.Errorf("create guideline: %w", err)
	}
	s.journal(ctx, journal.EventGuidelineCreated, created.ID, journal.Payload{
		"name":    created.Name,
		"version": created.Version,
	})
	s.newModal = false
	s.openEditor(created)
	s.logger().Info("guideline created",
		zap.String("guideline_id", created.ID),
		zap.String("version", created.Version))
	return created, nil
}

// TestLibrary switches to the testing view for a guideline already in hand,
// adding a history entry rather than replacing one.
func (s *Session) TestLibrary(lib domain.Library) {
	s.state = StateTesting
	s.current = &lib
	s.navPush("/guidelines/" + lib.ID + "/testing")
}

// Close returns to the browse listing and drops the working state.
func (s *Session) Close() {
	s.state = StateBrowser
	s.current = nil
	s.artifact = nil
	s.navReplace("/guidelines")
}

// Delete removes a guideline. On success the listing refreshes, in place
// when a listing view is mounted; if the deleted guideline was the one open
// it also resets to the browser. On failure nothing changes.
func (s *Session) Delete(ctx context.Context, lib domain.Library) error {
	if err := s.Store.Delete(ctx, lib); err != nil {
		return fmt.Errorf("delete guideline %s: %w", lib.ID, deleteMessage(err))
	}
	s.journal(ctx, journal.EventGuidelineDeleted, lib.ID, journal.Payload{"name": lib.Name})
	if s.current != nil && s.current.ID == lib.ID {
		s.state = StateBrowser
		s.current = nil
		s.artifact = nil
	}
	if s.Listing != nil {
		if err := s.Listing.Reload(ctx); err != nil {
			s.logger().Warn("listing reload failed", zap.Error(err))
		}
	} else if s.Nav != nil {
		s.Nav.Reload()
	}
	return nil
}

// deleteMessage keeps the backend's message when it has one.
func deleteMessage(err error) error {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return errors.New("delete failed")
	}
	return err
}

func (s *Session) openEditor(lib domain.Library) {
	s.state = StateEditor
	s.current = &lib
	s.artifact = artifactFrom(lib)
	s.navReplace("/guidelines/" + lib.ID)
}

// artifactFrom restores the builder artifact from the snapshot extension,
// falling back to the library's own metadata when the snapshot is missing
// or unreadable. The fallback is what a conversion amounts to.
func artifactFrom(lib domain.Library) *domain.GuidelineArtifact {
	if ext := lib.ExtensionByURL(domain.ArtifactExtensionURL); ext != nil {
		var a domain.GuidelineArtifact
		if err := json.Unmarshal([]byte(ext.ValueString), &a); err == nil && a.Name != "" {
			return &a
		}
	}
	return &domain.GuidelineArtifact{
		Name:        lib.Name,
		Title:       lib.Title,
		Version:     lib.Version,
		Description: lib.Description,
		URL:         lib.URL,
		Context:     cql.DefaultContext,
		FHIRVersion: cql.DefaultFHIRVersion,
	}
}

func (s *Session) canonicalURL(id string) string {
	base := strings.TrimRight(s.CanonicalBase, "/")
	if base == "" {
		base = "https://cqframework.org/fhir"
	}
	return base + "/Library/" + id
}

func (s *Session) journal(ctx context.Context, evtType, entityID string, payload journal.Payload) {
	if err := s.Journal.Append(ctx, evtType, entityID, payload); err != nil {
		s.logger().Warn("journal append failed", zap.String("type", evtType), zap.Error(err))
	}
}

func (s *Session) navReplace(path string) {
	if s.Nav != nil {
		s.Nav.Replace(path)
	}
}

func (s *Session) navPush(path string) {
	if s.Nav != nil {
		s.Nav.Push(path)
	}
}
