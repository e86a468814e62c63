package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"synthseed/internal/app"
	"synthseed/internal/config"
	"synthseed/internal/db"
	"synthseed/internal/domain"
	"synthseed/internal/logging"
	"synthseed/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "synthseed",
	Short: "Deterministic synthetic engagement seeder",
	Long: `synthseed fills a workspace database with reproducible synthetic engagement
history: a pool of synthetic users is planned against every mindblock in the
catalog and each planned pair emits viewed/started/completed/rated events.
The same request against the same catalog always yields the same rows, and
re-running a cohort only adds what is missing.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		cfg, err := config.LoadOptional(workspace)
		if err != nil {
			return err
		}
		lc := logging.DefaultConfig()
		if cfg.Log.Level != "" {
			lc.Level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			lc.Format = cfg.Log.Format
		}
		if lvl := viper.GetString("log-level"); lvl != "" {
			lc.Level = lvl
		}
		logging.Init(lc)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SYNTHSEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// requestFlags holds the seeding request flags shared by seed and plan.
type requestFlags struct {
	req                                 domain.SeedingRequest
	withOrgs, withJourneys, withNotices bool
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVar(&f.req.CountUsers, "count-users", 0, "synthetic users in the pool (default from config, else 3000)")
	fl.IntVar(&f.req.CoveragePerMindblock, "coverage", 0, "target users per mindblock (default 15)")
	fl.IntVar(&f.req.Days, "days", 0, "timestamp window in days before the anchor (default 45)")
	fl.StringVar(&f.req.CohortLabel, "cohort", "", "cohort label (default synthetics_v1)")
	fl.StringVar(&f.req.Anchor, "anchor", "", "RFC3339 end of the timestamp window (default now)")
	fl.StringVar(&f.req.StreamMode, "stream-mode", "", "random stream layout: per_item or single")
	fl.IntVar(&f.req.Workers, "workers", 0, "parallel planners in per_item mode")
	fl.BoolVar(&f.withOrgs, "with-orgs", true, "assign users to organizations")
	fl.BoolVar(&f.withJourneys, "with-journeys", false, "seed onboarding journey runs")
	fl.BoolVar(&f.withNotices, "with-notifications", false, "seed queued in-app notifications")
}

// request only sets the toggles the user passed so config defaults survive.
func (f *requestFlags) request(cmd *cobra.Command) domain.SeedingRequest {
	req := f.req
	if cmd.Flags().Changed("with-orgs") {
		req.WithOrgs = &f.withOrgs
	}
	if cmd.Flags().Changed("with-journeys") {
		req.WithJourneys = &f.withJourneys
	}
	if cmd.Flags().Changed("with-notifications") {
		req.WithNotifications = &f.withNotices
	}
	return req
}

func seedCmd() *cobra.Command {
	seed := &cobra.Command{Use: "seed", Short: "Seed synthetic engagements"}
	var flags requestFlags
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one seeding pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				rep, err := ws.Engine.Seed(ctx, flags.request(cmd))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRows([]table.Row{
					{"users_created", rep.UsersCreated},
					{"engagements_created", rep.EngagementsCreated},
					{"mindblocks_covered", rep.MindblocksCovered},
					{"min_engagements_per_mindblock", rep.MinEngagementsPerMindblock},
					{"max_engagements_per_mindblock", rep.MaxEngagementsPerMindblock},
					{"pairs_considered", rep.PairsConsidered},
					{"pairs_skipped", rep.PairsSkipped},
				})
				tw.Render()
				return nil
			})
		},
	}
	flags.bind(run)
	seed.AddCommand(run)
	return seed
}

func reportCmd() *cobra.Command {
	var cohort string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Recompute the coverage report of a cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if cohort == "" {
					cohort = ws.Config.Resolve(domain.SeedingRequest{}).CohortLabel
				}
				rep, err := ws.Engine.Report(ctx, cohort)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable()
				tw.SetTitle("cohort " + rep.CohortLabel)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRows([]table.Row{
					{"profiles", rep.Profiles},
					{"engagements", rep.Engagements},
					{"mindblocks_covered", rep.MindblocksCovered},
					{"min_engagements_per_mindblock", rep.MinEngagementsPerMindblock},
					{"max_engagements_per_mindblock", rep.MaxEngagementsPerMindblock},
				})
				for _, a := range []domain.Action{domain.ActionViewed, domain.ActionStarted, domain.ActionCompleted, domain.ActionRated} {
					tw.AppendRow(table.Row{"action." + a.String(), rep.ByAction[a.String()]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cohort, "cohort", "", "cohort label (default from config)")
	return cmd
}

func planCmd() *cobra.Command {
	var content string
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the users planned for one mindblock without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				preview, err := ws.Engine.Preview(ctx, flags.request(cmd), content)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(preview)
				}
				tw := newTable()
				tw.SetTitle(fmt.Sprintf("%s (slot %d, %s)", preview.ContentID, preview.CatalogSlot, preview.StreamMode))
				tw.AppendHeader(table.Row{"User", "Email", "Actions", "Seeded"})
				for _, p := range preview.Pairs {
					tw.AppendRow(table.Row{p.UserIndex, p.Email, strings.Join(p.Actions, ","), p.Seeded})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "mindblock id")
	_ = cmd.MarkFlagRequired("content")
	flags.bind(cmd)
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage the mindblock catalog"}
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogImportCmd())
	return cat
}

func catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mindblocks in seeding order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListMindblocks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Created"})
				for i, mb := range items {
					tw.AppendRow(table.Row{i, mb.ID, mb.Title, mb.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func catalogImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert mindblocks from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := config.CatalogFromFile(file)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				n, err := app.SyncCatalog(ctx, ws.Engine.Repo, entries)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"upserted": n})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML catalog (list of {id, title} or a config with a catalog section)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default synthseed.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective request defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"defaults": c.Resolve(domain.SeedingRequest{}),
				"config":   c,
			})
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Run audit log"}
	var n int
	var cohort, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent run events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				evts, err := ws.Engine.Repo.LatestEvents(ctx, n, cohort, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Cohort", "Run"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.CohortLabel, evt.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&cohort, "cohort", "", "cohort filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath, secret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("jwt-secret")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				handler, err := server.New(server.Config{
					Engine:   ws.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(ws.Engine.Repo, ws.Config.Webhooks)
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				logging.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving synthseed API")
				fmt.Printf("Serving synthseed API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret enabling bearer auth (env SYNTHSEED_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SYNTHSEED_JWT_SECRET is required to sign tokens")
			}
			tok, err := server.SignToken(secret, subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{server.PermSeedRun, server.PermSeedRead}, "granted permissions (* for all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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
