package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/cqframework/cql-studio-sub002/internal/config"
	"github.com/cqframework/cql-studio-sub002/internal/db"
	"github.com/cqframework/cql-studio-sub002/internal/journal"
	"github.com/cqframework/cql-studio-sub002/internal/migrate"
	"github.com/cqframework/cql-studio-sub002/internal/runner"
	"github.com/cqframework/cql-studio-sub002/internal/store"
	"github.com/cqframework/cql-studio-sub002/internal/studio"
	"github.com/cqframework/cql-studio-sub002/internal/translator"
)

// Options select how a workspace is resolved.
type Options struct {
	Workspace  string
	ConfigFile string
	Logger     *zap.Logger
}

// Studio bundles everything a command or server needs to operate on a
// workspace: resolved config, the open database, the wired session and
// runner plus the journal reader used by tailing and webhooks.
type Studio struct {
	Config    *config.Config
	DB        *sql.DB
	Store     store.Store
	Subjects  store.SubjectSource
	Evaluator store.Evaluator
	Session   *studio.Session
	Nav       *studio.PathTracker
	Runner    *runner.Runner
	Journal   journal.Writer
	Events    journal.Reader
	Logger    *zap.Logger
}

// Resolve loads configuration, opens the workspace database, runs
// migrations and wires the session, runner and journal together.
func Resolve(opts Options) (*Studio, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var cfg *config.Config
	var err error
	if opts.ConfigFile != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace database: %w", err)
	}

	local := &store.LocalStore{DB: conn}
	var st store.Store = local
	var subjects store.SubjectSource = local
	if cfg.Store.Kind == config.StoreKindFHIR {
		client := store.NewFHIRClient(cfg.Store.FHIR.BaseURL)
		st = client
		subjects = client
	}

	var tr studio.Translator
	if cfg.Translator.Endpoint != "" {
		tr = translator.New(cfg.Translator.Endpoint)
	}

	var ev store.Evaluator
	if cfg.Evaluator.Endpoint != "" {
		ev = store.NewEvalClient(cfg.Evaluator.Endpoint)
	}

	jw := journal.Writer{DB: conn}

	nav := studio.NewPathTracker()
	sess := studio.New(st, tr, nav)
	sess.CanonicalBase = cfg.Studio.CanonicalBase
	sess.Journal = jw
	sess.Logger = logger

	run := runner.New(ev, subjects)
	run.PageSize = cfg.PageSize()
	run.Logger = logger

	return &Studio{
		Config:    cfg,
		DB:        conn,
		Store:     st,
		Subjects:  subjects,
		Evaluator: ev,
		Session:   sess,
		Nav:       nav,
		Runner:    run,
		Journal:   jw,
		Events:    journal.Reader{DB: conn},
		Logger:    logger,
	}, nil
}

// Close releases the workspace database.
func (s *Studio) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
