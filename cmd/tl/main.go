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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/notify"
	"taskline/internal/repo"
	"taskline/internal/server"
	"taskline/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline brokers one-off tasks between owners and workers.
How it works:
- Workspace: your .taskline directory with the broker database; tuning lives in taskline.yml.
- Tasks: owners post them; each is open until exactly one worker claims it.
- Claims: first eligible worker wins; everyone else is told the task is gone.
- Submissions: the assigned worker has a deadline (3h by default) to hand in a draft.
- Review: the owner approves (done) or rejects; a rejected or timed-out task goes to the
  next best worker, and the one who failed it never gets it back.
- Attempts: after three failed attempts the task expires for good.
- Sweeper: a background pass that recycles tasks whose deadline silently ran out.
- Event log: diary of every transition, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/taskline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskReviewCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ID:          id,
					OwnerID:     viper.GetString("actor-id"),
					Title:       title,
					Description: desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, owner, worker string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					Status:         status,
					OwnerID:        owner,
					AssignedWorker: worker,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Worker", "Attempts"})
				for _, t := range tasks {
					assignee := ""
					if t.AssignedWorker != nil {
						assignee = *t.AssignedWorker
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, assignee, t.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, assigned, submitted, completed, expired)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&worker, "worker", "", "assigned worker filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Claim(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var content, url string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft for an assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitDraft(ctx, args[0], viper.GetString("actor-id"), content, url)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "submission content")
	cmd.Flags().StringVar(&url, "url", "", "submission url")
	return cmd
}

func taskReviewCmd() *cobra.Command {
	var approve, reject bool
	var reason string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve or reject a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			decision := domain.DecisionApprove
			if reject {
				decision = domain.DecisionReject
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Review(ctx, args[0], viper.GetString("actor-id"), decision, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "accept the submission")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the submission")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{Use: "worker", Short: "Manage workers"}
	worker.AddCommand(workerAddCmd())
	worker.AddCommand(workerListCmd())
	worker.AddCommand(workerShowCmd())
	return worker
}

func workerAddCmd() *cobra.Command {
	var id, name string
	var rating float64
	var skills []string
	var approved bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				w := domain.Worker{
					ID:        id,
					Name:      name,
					Rating:    rating,
					Skills:    skills,
					Approved:  approved,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := e.Repo.UpsertWorker(ctx, w); err != nil {
					return err
				}
				stored, err := e.Repo.GetWorker(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Float64Var(&rating, "rating", 0, "worker rating (0-5)")
	cmd.Flags().StringSliceVar(&skills, "skill", nil, "worker skill (repeatable)")
	cmd.Flags().BoolVar(&approved, "approved", false, "worker may claim tasks")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workers, err := e.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Rating", "Approved", "Skills"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Rating, w.Approved, strings.Join(w.Skills, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: claims, submissions, reviews, timeouts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id filter")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one timeout pass over stalled assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and timeout sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			if err := migrate.Migrate(conn, logger); err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}

			var notifier notify.Notifier = notify.Log{Logger: logger}
			var webhooks *notify.Webhook
			if len(cfg.Webhooks) > 0 {
				webhooks = notify.NewWebhook(cfg.Webhooks, logger)
				notifier = notify.Multi{notify.Log{Logger: logger}, webhooks}
			}
			e := engine.New(conn, cfg, notifier, logger)

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TASKLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("TASKLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			sweepCtx, stopSweeper := context.WithCancel(cmd.Context())
			defer stopSweeper()
			go sweeper.New(e, cfg.SweepInterval(), logger).Run(sweepCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().
				Str("addr", addr).
				Str("base_path", basePath).
				Dur("sweep_interval", cfg.SweepInterval()).
				Msg("serving Taskline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			stopSweeper()
			if webhooks != nil {
				webhooks.Wait()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := migrate.Migrate(conn, logger); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, notify.Log{Logger: logger}, logger)
	return fn(ctx, e)
}

// loadConfig honors --config when given, otherwise falls back to the
// workspace's taskline.yml (or built-in defaults when that is absent).
func loadConfig(workspace string) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
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
