package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/seomaster/platform/management/internal/auth"
	"github.com/seomaster/platform/management/internal/config"
	"github.com/seomaster/platform/management/internal/deploy"
	"github.com/seomaster/platform/management/internal/httpserver"
	"github.com/seomaster/platform/management/internal/saga"
)

var rootCmd = &cobra.Command{
	Use:           "management-service",
	Short:         "SEO management service: tasks, review, optimization sagas and deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		reprioritizeCmd(),
		optimizeCmd(),
		pendingCmd(),
		statsCmd(),
		ffRecalcCmd(),
		interlinksCmd(),
		deployApprovedCmd(),
		confirmCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}

// withApp loads config, wires the service and hands it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseUUIDFlag(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event consumer and periodic jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if migrate {
					if err := a.store.Migrate(ctx); err != nil {
						return err
					}
				}
				return serve(a)
			})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(a *app) error {
	srv := httpserver.New(httpserver.Dependencies{
		Tasks:       a.tasks,
		Reviews:     a.reviews,
		Deployments: a.deployer,
		Sagas:       a.runner,
		Interlinks:  a.interlinks,
		Health:      a.store,
		Reviewer:    auth.NewReviewerVerifier(a.cfg.JWTSecret, a.cfg.JWTIssuer),
		InternalKey: a.cfg.InternalAPIKey,
		Gatherer:    a.registry,
		Logger:      logger("http"),
	})
	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := a.consumer()
	if err != nil {
		return err
	}
	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Printf("event consumer stopped: %v", err)
			}
		}()
	} else {
		log.Printf("KAFKA_BROKERS not set; event consumer disabled")
	}
	go a.scheduler().Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("management service listening on %s", a.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		cancel()
		return fmt.Errorf("http server: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	a.runner.Stop()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Printf("close consumer: %v", err)
		}
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
				log.Printf("schema applied")
				return nil
			})
		},
	}
}

func reprioritizeCmd() *cobra.Command {
	var project string
	var limit int
	cmd := &cobra.Command{
		Use:   "reprioritize",
		Short: "Rescore pending tasks of one project, or of every active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if project == "" {
					res, err := a.jobs.ReprioritizeAllProjects(ctx, "cli-reprioritize")
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				id, err := parseUUIDFlag("project", project)
				if err != nil {
					return err
				}
				n, err := a.jobs.ReprioritizeProjectTasks(ctx, id, limit, "cli-reprioritize")
				if err != nil {
					return err
				}
				fmt.Printf("rescored %d tasks\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (all active projects when empty)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum tasks to rescore")
	return cmd
}

func optimizeCmd() *cobra.Command {
	var project, url, task string
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run an optimization saga for one page and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseUUIDFlag("project", project)
			if err != nil {
				return err
			}
			if url == "" {
				return fmt.Errorf("--url required")
			}
			p := saga.Params{ProjectID: projectID, URL: url, CorrelationID: "cli-" + uuid.NewString()}
			if task != "" {
				taskID, err := parseUUIDFlag("task", task)
				if err != nil {
					return err
				}
				p.TaskID = &taskID
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				exec, err := a.runner.Start(ctx, p)
				if err != nil {
					return err
				}
				log.Printf("saga %s started correlation=%s", exec.SagaID, exec.CorrelationID)
				a.runner.Wait()
				final, err := a.runner.Get(ctx, exec.SagaID)
				if err != nil {
					return err
				}
				return printJSON(final)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&url, "url", "", "page url")
	cmd.Flags().StringVar(&task, "task", "", "existing task id (a content task is created when empty)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func optionalProject(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseUUIDFlag("project", raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func pendingCmd() *cobra.Command {
	var project string
	var limit, offset int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List approvals waiting for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := optionalProject(project)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list, err := a.reviews.Pending(ctx, projectID, limit, offset)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Project", "Impact", "Recommendation", "Created"})
				for _, ap := range list {
					impact := "-"
					if ap.ImpactScore != nil {
						impact = fmt.Sprintf("%.2f", *ap.ImpactScore)
					}
					tw.AppendRow(table.Row{ap.TaskID, ap.ProjectID, impact, ap.Recommendation, ap.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show approval statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := optionalProject(project)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.reviews.Statistics(ctx, projectID)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Pending", "Approved", "Rejected", "Approval rate"})
				tw.AppendRow(table.Row{st.Total, st.Pending, st.Approved, st.Rejected, fmt.Sprintf("%.1f%%", st.ApprovalRate*100)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id filter")
	return cmd
}

func ffRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ff-recalc",
		Short: "Request FF-score recalculation for every active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.jobs.DailyFFScoreRecalculation(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func interlinksCmd() *cobra.Command {
	var project string
	var maxPages int
	cmd := &cobra.Command{
		Use:   "interlinks",
		Short: "Generate internal link suggestions for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseUUIDFlag("project", project)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.interlinks.GenerateForProject(ctx, projectID, maxPages, "cli-interlinks-"+uuid.NewString())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().IntVar(&maxPages, "max-pages", 100, "maximum source pages")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func deployApprovedCmd() *cobra.Command {
	var project string
	var batch int
	cmd := &cobra.Command{
		Use:   "deploy-approved",
		Short: "Deploy approved tasks of one project, or of every active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if project == "" {
					res, err := a.jobs.DeployApproved(ctx, "cli-deploy-approved")
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				id, err := parseUUIDFlag("project", project)
				if err != nil {
					return err
				}
				results, err := a.deployer.DeployApprovedTasks(ctx, id, batch, "cli-deploy-approved")
				if err != nil {
					return err
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id (all active projects when empty)")
	cmd.Flags().IntVar(&batch, "max", 10, "maximum tasks per project")
	return cmd
}

func confirmCmd() *cobra.Command {
	var change, status, errMsg string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Record the gateway's confirmation of a deployed change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != deploy.StatusApplied && status != deploy.StatusFailed {
				return fmt.Errorf("--status must be %q or %q", deploy.StatusApplied, deploy.StatusFailed)
			}
			c := deploy.Confirmation{Status: status, AppliedAt: time.Now().UTC()}
			if errMsg != "" {
				c.ErrorMessage = &errMsg
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entry, err := a.deployer.ConfirmChange(ctx, change, c)
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().StringVar(&change, "change", "", "gateway change id")
	cmd.Flags().StringVar(&status, "status", deploy.StatusApplied, "applied or failed")
	cmd.Flags().StringVar(&errMsg, "error", "", "error message for failed changes")
	_ = cmd.MarkFlagRequired("change")
	return cmd
}
