package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/cqframework/cql-studio-sub002/internal/app"
	"github.com/cqframework/cql-studio-sub002/internal/config"
	"github.com/cqframework/cql-studio-sub002/internal/db"
	"github.com/cqframework/cql-studio-sub002/internal/domain"
	"github.com/cqframework/cql-studio-sub002/internal/format"
	"github.com/cqframework/cql-studio-sub002/internal/journal"
	"github.com/cqframework/cql-studio-sub002/internal/runner"
	"github.com/cqframework/cql-studio-sub002/internal/server"
	"github.com/cqframework/cql-studio-sub002/internal/store"
	"github.com/cqframework/cql-studio-sub002/internal/studio"
)

var rootCmd = &cobra.Command{
	Use:   "cqlstudio",
	Short: "CQL Studio CLI",
	Long: `CQL Studio authors and tests FHIR clinical guideline libraries.
Core concepts:
- Workspace: your .cqlstudio directory holding the local database and journal; settings live in cqlstudio.yml next to it.
- Guideline: a FHIR Library resource carrying CQL source, compiled ELM, and the studio's builder snapshot.
- Store: where guidelines live; local (workspace SQLite) or fhir (a FHIR R4 server).
- Translator: the CQL-to-ELM service; creating guidelines requires one.
- Test runs: evaluate a guideline against roster patients via Library/$evaluate, all subjects in flight at once.
- Journal: diary of changes, view with 'cqlstudio log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CQLSTUDIO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (overrides workspace cqlstudio.yml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(guidelineCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func guidelineCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "guideline",
		Short: "Manage guidelines",
		Long:  "Guidelines are FHIR Library resources with CQL source, compiled ELM, and a builder snapshot. Creating one generates the CQL, translates it, and persists the assembled library; nothing is stored when translation fails.",
	}
	g.AddCommand(guidelineCreateCmd())
	g.AddCommand(guidelineListCmd())
	g.AddCommand(guidelineShowCmd())
	g.AddCommand(guidelineDeleteCmd())
	g.AddCommand(guidelineValidateCmd())
	g.AddCommand(guidelineCQLCmd())
	g.AddCommand(guidelineELMCmd())
	return g
}

func guidelineCreateCmd() *cobra.Command {
	var opts studio.NewGuidelineOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a guideline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				created, err := st.Session.CreateNew(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "guideline name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (defaults to name)")
	cmd.Flags().StringVar(&opts.Version, "version", "", "version")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func guidelineListCmd() *cobra.Command {
	var search, sortKey, sortDir string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List guidelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				var items []domain.Library
				if search != "" {
					found, err := st.Store.Search(ctx, search)
					if err != nil {
						return err
					}
					items = found
				} else {
					res, err := st.Store.List(ctx, store.ListOptions{Page: page, Size: size, SortKey: sortKey, SortDir: sortDir})
					if err != nil {
						return err
					}
					items = res.Items
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Status", "Title"})
				for _, lib := range items {
					tw.AppendRow(table.Row{lib.ID, lib.Name, lib.Version, lib.Status, lib.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "name/title filter")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	cmd.Flags().StringVar(&sortKey, "sort", "", "sort key (name, title, version, status, date)")
	cmd.Flags().StringVar(&sortDir, "order", "", "sort direction (asc, desc)")
	return cmd
}

func guidelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a guideline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				lib, err := st.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(lib)
			})
		},
	}
	return cmd
}

func guidelineDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a guideline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				lib, err := st.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return st.Session.Delete(ctx, lib)
			})
		},
	}
	return cmd
}

func guidelineValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Check a stored guideline's conformance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				lib, err := st.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				res := format.Validate(lib)
				out := struct {
					Valid          bool     `json:"valid"`
					Issues         []string `json:"issues,omitempty"`
					CanOpenCleanly bool     `json:"can_open_cleanly"`
				}{res.Valid, res.Issues, format.CanOpenCleanly(lib)}
				return printJSONOrTable(out)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func guidelineCQLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cql <id>",
		Short: "Print a guideline's CQL source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				return printGuidelineContent(ctx, st, args[0], domain.ContentTypeCQL)
			})
		},
	}
	return cmd
}

func guidelineELMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elm <id>",
		Short: "Print a guideline's compiled ELM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				return printGuidelineContent(ctx, st, args[0], domain.ContentTypeELM)
			})
		},
	}
	return cmd
}

func patientCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "patient",
		Short: "Manage the test-subject roster",
	}
	p.AddCommand(patientListCmd())
	p.AddCommand(patientImportCmd())
	return p
}

func patientListCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roster patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				patients, err := st.Subjects.Patients(ctx, search)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(patients)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Gender", "Birth Date"})
				for _, p := range patients {
					tw.AppendRow(table.Row{p.ID, p.DisplayName(), p.Gender, p.BirthDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "name/id filter")
	return cmd
}

func patientImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import patients from a FHIR bundle or Patient array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			patients, err := decodePatients(data)
			if err != nil {
				return err
			}
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				local, ok := st.Subjects.(*store.LocalStore)
				if !ok {
					return fmt.Errorf("patient import requires store.kind: local")
				}
				n, err := local.ImportPatients(ctx, patients)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": n})
				}
				fmt.Printf("imported %d patients\n", n)
				return nil
			})
		},
	}
	return cmd
}

func testCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "test",
		Short: "Run guideline tests",
	}
	t.AddCommand(testRunCmd())
	return t
}

func testRunCmd() *cobra.Command {
	var guidelineID, search string
	var patientIDs []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a guideline against roster patients",
		Long:  "Runs Library/$evaluate once per selected patient, everything concurrent. Without --patient the whole roster runs; a patient's failure is reported in its row and never aborts the batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				lib, err := st.Store.Get(ctx, guidelineID)
				if err != nil {
					return err
				}
				var subjects []domain.Patient
				if len(patientIDs) > 0 {
					if _, err := st.Runner.LoadPatients(ctx, ""); err != nil {
						return err
					}
					subjects = st.Runner.SelectByID(patientIDs)
				} else {
					if _, err := st.Runner.LoadPatients(ctx, search); err != nil {
						return err
					}
					subjects = st.Runner.Roster()
				}
				st.Session.TestLibrary(lib)
				results, err := st.Runner.Run(ctx, lib.ID, subjects)
				if err != nil {
					return err
				}
				out := testRunOut(st.Runner.RunID(), results)
				if err := st.Journal.Append(ctx, journal.EventTestRun, lib.ID, journal.Payload{
					"run_id": out.RunID,
					"total":  out.Total,
					"failed": out.Failed,
				}); err != nil {
					st.Logger.Warn("journal append failed", zap.Error(err))
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Subject", "Name", "Status", "Elapsed"})
				for _, row := range out.Results {
					status := "ok"
					if row.Error != "" {
						status = "FAIL: " + row.Error
					}
					tw.AppendRow(table.Row{row.SubjectID, row.SubjectName, status, fmt.Sprintf("%dms", row.ElapsedMs)})
				}
				tw.Render()
				fmt.Printf("run %s: %d subjects, %d failed\n", out.RunID, out.Total, out.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&guidelineID, "guideline", "", "guideline id")
	cmd.Flags().StringArrayVar(&patientIDs, "patient", []string{}, "patient id (repeatable; default whole roster)")
	cmd.Flags().StringVar(&search, "search", "", "roster search term")
	_ = cmd.MarkFlagRequired("guideline")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Inspect the activity journal",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudio(cmd.Context(), func(ctx context.Context, st *app.Studio) error {
				events, err := st.Events.Recent(ctx, n)
				if err != nil {
					return err
				}
				if evtType != "" {
					filtered := events[:0]
					for _, e := range events {
						if e.Type == evtType {
							filtered = append(filtered, e)
						}
					}
					events = filtered
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is cqlstudio.yml in the workspace: store backend, translator and evaluator endpoints, server address, and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default cqlstudio.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadStrictConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := zap.NewProductionConfig()
			if viper.GetBool("verbose") {
				logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := logCfg.Build()
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			defer logger.Sync()

			st, err := app.Resolve(app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigFile: viper.GetString("config"),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			if addr == "" {
				addr = st.Config.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8780"
			}
			if basePath == "" {
				basePath = st.Config.Server.BasePath
			}
			if basePath == "" {
				basePath = "/v1"
			}
			secret := st.Config.Server.JWTSecret
			if env := os.Getenv("CQLSTUDIO_JWT_SECRET"); env != "" {
				secret = env
			}
			handler, err := server.New(server.Config{
				App:      st,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CQL Studio API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withStudio(ctx context.Context, fn func(context.Context, *app.Studio) error) error {
	logger := zap.NewNop()
	if viper.GetBool("verbose") {
		logCfg := zap.NewProductionConfig()
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		built, err := logCfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		logger = built
		defer logger.Sync()
	}
	st, err := app.Resolve(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func loadStrictConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func printGuidelineContent(ctx context.Context, st *app.Studio, id, contentType string) error {
	lib, err := st.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	att := lib.ContentByType(contentType)
	if att == nil || len(att.Data) == 0 {
		return fmt.Errorf("guideline %s has no %s content", id, contentType)
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"id": lib.ID, "content_type": contentType, "content": string(att.Data)})
	}
	fmt.Print(string(att.Data))
	if !strings.HasSuffix(string(att.Data), "\n") {
		fmt.Println()
	}
	return nil
}

// decodePatients accepts a FHIR Bundle, a bare Patient array, or a single
// Patient resource.
func decodePatients(data []byte) ([]domain.Patient, error) {
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource domain.Patient `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err == nil && bundle.ResourceType == "Bundle" {
		patients := make([]domain.Patient, 0, len(bundle.Entry))
		for _, e := range bundle.Entry {
			if e.Resource.ID != "" {
				patients = append(patients, e.Resource)
			}
		}
		return patients, nil
	}
	var patients []domain.Patient
	if err := json.Unmarshal(data, &patients); err == nil {
		return patients, nil
	}
	var one domain.Patient
	if err := json.Unmarshal(data, &one); err == nil && one.ID != "" {
		return []domain.Patient{one}, nil
	}
	return nil, fmt.Errorf("unrecognized patient payload; want a FHIR Bundle, Patient array, or single Patient")
}

type testRunOutput struct {
	RunID   string          `json:"run_id"`
	Total   int             `json:"total"`
	Failed  int             `json:"failed"`
	Results []testResultRow `json:"results"`
}

type testResultRow struct {
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	Outcome     any    `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

func testRunOut(runID string, results []runner.TestResult) testRunOutput {
	out := testRunOutput{RunID: runID, Total: len(results), Results: make([]testResultRow, 0, len(results))}
	for _, res := range results {
		row := testResultRow{
			SubjectID:   res.SubjectID,
			SubjectName: res.SubjectName,
			Outcome:     res.Outcome,
			ElapsedMs:   res.ElapsedMs,
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
			out.Failed++
		}
		out.Results = append(out.Results, row)
	}
	return out
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
