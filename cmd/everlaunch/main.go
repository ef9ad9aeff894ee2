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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"everlaunch/internal/app"
	"everlaunch/internal/config"
	"everlaunch/internal/db"
	"everlaunch/internal/domain"
	"everlaunch/internal/migrate"
	"everlaunch/internal/repo"
	"everlaunch/internal/runner"
	"everlaunch/internal/server"
	everlaunchsdk "everlaunch/sdk/go"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "everlaunch",
		Short: "EverLaunch receptionist regression runner",
		Long: `EverLaunch replays scripted conversations against the AI receptionist prompt and
checks each reply against the scenario's assertions.
- Workspace: the .everlaunch directory holding the sqlite database (scenarios, runs, results, events, config).
- Scenario: a vertical, a channel, a conversation script and the assertions the final reply must satisfy.
- Run: every active scenario (or one vertical's) executed in order; each produces a stored result.
- Config: backend and vertical catalog, stored in the database and seeded from everlaunch.yml or built-in defaults.
- Event log: history of scenario, run and config changes, view with 'everlaunch log tail'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	addPersistentFlags(root)
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(scenarioCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(promptCmd())
	root.AddCommand(configCmd())
	root.AddCommand(logCmd())
	root.AddCommand(tokenCmd())
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EVERLAUNCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("openai-api-key", "", "API key for the openai provider")
	flags.String("gemini-api-key", "", "API key for the gemini provider")
	flags.String("jwt-secret", "", "HS256 secret enabling bearer auth on the API")
	for _, name := range []string{"workspace", "json", "verbose", "openai-api-key", "gemini-api-key", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func credentials() app.Credentials {
	return app.Credentials{
		OpenAIKey: viper.GetString("openai-api-key"),
		GeminiKey: viper.GetString("gemini-api-key"),
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, _, err := app.BuildRunner(ctx, viper.GetString("workspace"), r, credentials(), logger)
				if err != nil {
					return err
				}
				handler, err := server.New(server.Config{
					Repo:     r,
					Runner:   run,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving EverLaunch API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("auth", viper.GetString("jwt-secret") != ""))
				fmt.Printf("Serving EverLaunch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func runCmd() *cobra.Command {
	var vertical int
	var all bool
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run active regression scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter runner.Filter
			if cmd.Flags().Changed("vertical") {
				filter.VerticalID = &vertical
			}
			filter.RunAll = all
			var summary domain.RunSummary
			if serverURL != "" {
				remote, err := runRemote(cmd.Context(), serverURL, token, filter)
				if err != nil {
					return err
				}
				summary = remote
			} else {
				logger, err := newLogger()
				if err != nil {
					return err
				}
				defer logger.Sync()
				err = withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					run, _, err := app.BuildRunner(ctx, viper.GetString("workspace"), r, credentials(), logger)
					if err != nil {
						return err
					}
					summary, err = run.Run(ctx, filter)
					return err
				})
				if err != nil {
					return err
				}
			}
			if err := printSummary(summary); err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&vertical, "vertical", 0, "only run scenarios for this vertical id")
	cmd.Flags().BoolVar(&all, "all", false, "run every active scenario, ignoring --vertical")
	cmd.Flags().StringVar(&serverURL, "server", "", "trigger the run on a running API server instead of locally")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --server; minted from --jwt-secret when empty")
	return cmd
}

func runRemote(ctx context.Context, serverURL, token string, filter runner.Filter) (domain.RunSummary, error) {
	client := everlaunchsdk.New(serverURL)
	if token == "" && viper.GetString("jwt-secret") != "" {
		minted, err := server.IssueToken(viper.GetString("jwt-secret"), "everlaunch-cli")
		if err != nil {
			return domain.RunSummary{}, err
		}
		token = minted
	}
	client.BearerToken = token
	res, err := client.RunRegressionTests(ctx, filter.VerticalID, filter.RunAll)
	if err != nil {
		if res.Error != "" {
			return domain.RunSummary{}, errors.New(res.Error)
		}
		return domain.RunSummary{}, err
	}
	return summaryFromRemote(res), nil
}

func summaryFromRemote(res everlaunchsdk.RunResult) domain.RunSummary {
	summary := domain.RunSummary{
		RunID:   res.RunID,
		Total:   res.Total,
		Passed:  res.Passed,
		Failed:  res.Failed,
		Message: res.Message,
		Results: make([]domain.ScenarioOutcome, 0, len(res.Results)),
	}
	for _, o := range res.Results {
		out := domain.ScenarioOutcome{
			ScenarioID:      o.ScenarioID,
			ScenarioName:    o.ScenarioName,
			VerticalID:      o.VerticalID,
			Channel:         o.Channel,
			Passed:          o.Passed,
			ExecutionTimeMS: o.ExecutionTimeMS,
			Error:           o.Error,
		}
		for _, a := range o.FailedAssertions {
			out.FailedAssertions = append(out.FailedAssertions, domain.AssertionResult{Type: a.Type, Passed: a.Passed, Details: a.Details})
		}
		summary.Results = append(summary.Results, out)
	}
	return summary
}

func printSummary(summary domain.RunSummary) error {
	if viper.GetBool("json") {
		return printJSON(summary)
	}
	if summary.Message != "" {
		fmt.Println(summary.Message)
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Scenario", "Vertical", "Channel", "Result", "Failed assertions", "ms"})
	for _, o := range summary.Results {
		result := "PASS"
		if !o.Passed {
			result = "FAIL"
		}
		var failed []string
		for _, a := range o.FailedAssertions {
			failed = append(failed, a.Details)
		}
		tw.AppendRow(table.Row{o.ScenarioName, verticalLabel(o.VerticalID), o.Channel, result, strings.Join(failed, "\n"), o.ExecutionTimeMS})
	}
	tw.AppendFooter(table.Row{"run " + summary.RunID, "", "", fmt.Sprintf("%d/%d passed", summary.Passed, summary.Total), "", ""})
	tw.Render()
	return nil
}

func scenarioCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "scenario", Short: "Manage regression scenarios"}
	cmd.AddCommand(scenarioImportCmd())
	cmd.AddCommand(scenarioValidateCmd())
	cmd.AddCommand(scenarioListCmd())
	cmd.AddCommand(scenarioShowCmd())
	cmd.AddCommand(scenarioSetActiveCmd("enable", true))
	cmd.AddCommand(scenarioSetActiveCmd("disable", false))
	return cmd
}

func scenarioImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a YAML scenario bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			scenarios, err := app.ParseScenarioBundle(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				saved, err := app.ImportScenarios(ctx, r, scenarios)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Imported %d scenarios from %s\n", len(saved), file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML bundle")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scenarioValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML scenario bundle without importing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			scenarios, err := app.ParseScenarioBundle(data)
			if err != nil {
				return err
			}
			fmt.Printf("%d scenarios valid\n", len(scenarios))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML bundle")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scenarioListCmd() *cobra.Command {
	var vertical int
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filters repo.ScenarioFilters
			if cmd.Flags().Changed("vertical") {
				filters.VerticalID = &vertical
			}
			if activeOnly {
				filters.Active = &activeOnly
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListScenarios(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Vertical", "Channel", "Turns", "Active"})
				for _, sc := range items {
					tw.AppendRow(table.Row{sc.ID, sc.Name, verticalLabel(sc.VerticalID), sc.Channel, len(sc.ConversationScript), sc.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&vertical, "vertical", 0, "filter by vertical id")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active scenarios")
	return cmd
}

func scenarioShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sc, err := r.GetScenario(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(sc)
			})
		},
	}
}

func scenarioSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sc, err := r.SetScenarioActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sc)
				}
				fmt.Printf("%s: active=%t\n", sc.Name, sc.IsActive)
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect run history"}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Vertical", "Status", "Passed", "Failed", "Total", "Started"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.RunType, verticalLabel(run.VerticalFilter), run.Status, run.PassedCount, run.FailedCount, run.TotalScenarios, run.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := r.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "results": results})
				}
				fmt.Printf("Run %s (%s, %s): %d passed, %d failed of %d\n", run.ID, run.RunType, run.Status, run.PassedCount, run.FailedCount, run.TotalScenarios)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scenario", "Result", "Failed assertions", "ms"})
				for _, res := range results {
					result := "PASS"
					if !res.Passed {
						result = "FAIL"
					}
					var failed []string
					for _, a := range res.AssertionsFailed {
						failed = append(failed, a.Details)
					}
					tw.AppendRow(table.Row{res.ScenarioID, result, strings.Join(failed, "\n"), res.ExecutionTimeMS})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func promptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prompt", Short: "Inspect generated prompts"}
	var vertical int
	var channel string
	var overrides map[string]string
	render := &cobra.Command{
		Use:   "render",
		Short: "Print the system prompt for a vertical and channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			var verticalID *int
			if cmd.Flags().Changed("vertical") {
				verticalID = &vertical
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, viper.GetString("workspace"), r)
				if err != nil {
					return err
				}
				fmt.Print(cfg.Catalog().Generate(verticalID, strings.ToLower(channel), overrides))
				return nil
			})
		},
	}
	render.Flags().IntVar(&vertical, "vertical", 0, "vertical id")
	render.Flags().StringVar(&channel, "channel", domain.ChannelPhone, "phone, sms, chat or web")
	render.Flags().StringToStringVar(&overrides, "override", nil, "config override key=value (repeatable)")
	cmd.AddCommand(render)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage the stored configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, viper.GetString("workspace"), r)
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
			})
		},
	})
	var importFile string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored configuration from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(importFile)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.ImportConfig(ctx, r, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config from %s\n", importFile)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&importFile, "file", "", "config YAML path")
	_ = importCmd.MarkFlagRequired("file")
	cmd.AddCommand(importCmd)
	var validateFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := validateFile
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&validateFile, "file", "", "config YAML path (defaults to the workspace everlaunch.yml)")
	cmd.AddCommand(validateCmd)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{
					Limit:      n,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API from --jwt-secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("--jwt-secret or EVERLAUNCH_JWT_SECRET required")
			}
			tok, err := server.IssueToken(secret, subject)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "everlaunch-cli", "token subject")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func verticalLabel(id *int) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}
