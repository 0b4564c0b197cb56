package main

import (
	"bufio"
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

	"openbacklog/internal/app"
	"openbacklog/internal/config"
	"openbacklog/internal/db"
	"openbacklog/internal/domain"
	"openbacklog/internal/engine"
	"openbacklog/internal/llm"
	"openbacklog/internal/migrate"
	"openbacklog/internal/repo"
	"openbacklog/internal/server"
	"openbacklog/internal/suggestion"
)

var rootCmd = &cobra.Command{
	Use:   "obl",
	Short: "OpenBacklog CLI",
	Long: `OpenBacklog keeps a product backlog and lets an LLM propose improvements
that you review path by path before anything is written.
Core concepts:
- Workspace: your .openbacklog directory with only the database; configs are stored in the DB and imported explicitly.
- Initiative: a large body of work (INIT-1, INIT-2, ...) flowing backlog -> active -> archived.
- Task: a work item inside an initiative (TASK-1, ...) flowing todo -> in_progress -> done (canceled is an exit).
- Improvement job: one LLM run (or imported result) holding proposed changes; pending -> completed -> resolved, or failed.
- Suggestions: the job's proposals addressed by path (initiative.INIT-1.description); accept or reject each, then apply.
- Event log: diary of changes, view with 'obl log tail'.`,
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
	viper.SetEnvPrefix("OPENBACKLOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("workspace-id", "", "workspace id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(suggestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceInitCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceShowCmd())
	ws.AddCommand(workspaceStatusCmd())
	ws.AddCommand(workspaceConfigCmd())
	ws.AddCommand(workspaceUseCmd())
	return ws
}

func workspaceInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			w, err := e.InitWorkspace(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(w)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func workspaceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show current workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkspace(ctx, e.Config.Workspace.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workspaceStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspaceID := e.Config.Workspace.ID
				counts, err := e.Repo.CountTasksByStatus(ctx, workspaceID)
				if err != nil {
					return err
				}
				pending, err := e.Repo.ListJobs(ctx, workspaceID, "pending", 0)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace_id": workspaceID,
					"task_counts":  counts,
					"pending_jobs": len(pending),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s\n", workspaceID)
				fmt.Printf("Pending jobs: %d\n", len(pending))
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func workspaceConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in the DB per workspace: workspace id/name, LLM provider settings, webhooks, and RBAC roles. Import from openbacklog.yml if desired.",
	}
	cfg.AddCommand(workspaceConfigShowCmd())
	cfg.AddCommand(workspaceConfigImportCmd())
	cfg.AddCommand(workspaceConfigValidateCmd())
	return cfg
}

func workspaceConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func workspaceConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpsertWorkspaceConfig(ctx, cfg.Workspace.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "openbacklog.yml", "config file path")
	return cmd
}

func workspaceConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func workspaceUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set default workspace in .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, err := r.GetWorkspace(ctx, id)
				return err
			})
			if err != nil {
				return err
			}
			if err := setEnvValue(".env", "OPENBACKLOG_WORKSPACE_ID", id); err != nil {
				return err
			}
			fmt.Printf("default workspace set to %s\n", id)
			return nil
		},
	}
	return cmd
}

func initiativeCmd() *cobra.Command {
	ini := &cobra.Command{
		Use:   "initiative",
		Short: "Manage initiatives",
		Long:  "Initiatives are the large bodies of work that own tasks. They flow backlog -> active -> archived and carry INIT-n identifiers.",
	}
	ini.AddCommand(initiativeCreateCmd())
	ini.AddCommand(initiativeListCmd())
	ini.AddCommand(initiativeShowCmd())
	ini.AddCommand(initiativeUpdateCmd())
	ini.AddCommand(initiativeDeleteCmd())
	return ini
}

func initiativeCreateCmd() *cobra.Command {
	var opts engine.InitiativeCreateOptions
	var taskTitles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			for _, title := range taskTitles {
				opts.Tasks = append(opts.Tasks, engine.TaskSeed{Title: title})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.WorkspaceID == "" {
					opts.WorkspaceID = e.Config.Workspace.ID
				}
				in, err := e.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "initiative id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default backlog)")
	cmd.Flags().StringArrayVar(&taskTitles, "task", []string{}, "seed task title (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var f repo.InitiativeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = e.Config.Workspace.ID
				}
				items, err := e.Repo.ListInitiatives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identifier", "Title", "Status", "Updated"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.Identifier, in.Title, in.Status, in.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|INIT-n>",
		Short: "Show initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := resolveInitiative(ctx, e, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func initiativeUpdateCmd() *cobra.Command {
	var title, description, status string
	cmd := &cobra.Command{
		Use:   "update <id|INIT-n>",
		Short: "Update initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := resolveInitiative(ctx, e, ref)
				if err != nil {
					return err
				}
				opts := engine.InitiativeUpdateOptions{
					ID:      in.ID,
					Status:  status,
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				updated, err := e.UpdateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func initiativeDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id|INIT-n>",
		Short: "Delete initiative and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := resolveInitiative(ctx, e, ref)
				if err != nil {
					return err
				}
				return e.DeleteInitiative(ctx, in.ID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items inside an initiative. They flow todo -> in_progress -> done, with canceled as an exit, and carry TASK-n identifiers.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var initiativeRef string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := resolveInitiative(ctx, e, initiativeRef)
				if err != nil {
					return err
				}
				opts.InitiativeID = in.ID
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&initiativeRef, "initiative", "", "parent initiative id or INIT-n")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("initiative")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var initiativeRef string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = e.Config.Workspace.ID
				}
				if initiativeRef != "" {
					in, err := resolveInitiative(ctx, e, initiativeRef)
					if err != nil {
						return err
					}
					f.InitiativeID = in.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identifier", "Title", "Status", "Initiative"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Identifier, t.Title, t.Status, t.InitiativeID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&initiativeRef, "initiative", "", "initiative id or INIT-n filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|TASK-n>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := resolveTask(ctx, e, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status string
	cmd := &cobra.Command{
		Use:   "update <id|TASK-n>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := resolveTask(ctx, e, ref)
				if err != nil {
					return err
				}
				opts := engine.TaskUpdateOptions{
					ID:      t.ID,
					Status:  status,
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				updated, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id|TASK-n>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := resolveTask(ctx, e, ref)
				if err != nil {
					return err
				}
				return e.DeleteTask(ctx, t.ID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func suggestCmd() *cobra.Command {
	sug := &cobra.Command{
		Use:   "suggest",
		Short: "Improvement jobs and suggestion review",
		Long: `Improvement jobs hold proposed backlog changes, either generated by the
configured LLM (suggest request) or imported from a JSON file (suggest import).
Review a completed job path by path, then apply the accepted subset.`,
	}
	sug.AddCommand(suggestRequestCmd())
	sug.AddCommand(suggestImportCmd())
	sug.AddCommand(suggestListCmd())
	sug.AddCommand(suggestShowCmd())
	sug.AddCommand(suggestReviewCmd())
	return sug
}

func suggestRequestCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask the configured LLM for backlog improvements",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				workspaceID := e.Config.Workspace.ID
				job, err := e.CreateImprovementJob(ctx, engine.JobCreateOptions{
					WorkspaceID: workspaceID,
					Prompt:      prompt,
					ActorID:     actorID,
				})
				if err != nil {
					return err
				}
				runner, err := llm.New(e.Config.LLM)
				if err != nil {
					_, _ = e.FailImprovementJob(ctx, job.ID, err.Error(), actorID)
					return err
				}
				snap, err := e.Snapshot(ctx, workspaceID)
				if err != nil {
					return err
				}
				raw, _, err := runner.GenerateResult(ctx, prompt, snap)
				if err != nil {
					_, _ = e.FailImprovementJob(ctx, job.ID, err.Error(), actorID)
					return err
				}
				job, err = e.CompleteImprovementJob(ctx, job.ID, raw, actorID)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("job %s completed; review with: obl suggest review %s\n", job.ID, job.ID)
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "what to improve")
	return cmd
}

func suggestImportCmd() *cobra.Command {
	var file, prompt string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an improvement result from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			result := string(data)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.CreateImprovementJob(ctx, engine.JobCreateOptions{
					WorkspaceID: e.Config.Workspace.ID,
					Prompt:      prompt,
					ResultJSON:  &result,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "result JSON file")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to record with the job")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func suggestListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List improvement jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.ListImprovementJobs(ctx, e.Config.Workspace.ID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Prompt", "Created"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Status, truncate(j.Prompt, 48), j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func suggestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show job and its suggestions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.GetImprovementJob(ctx, jobID)
				if err != nil {
					return err
				}
				if job.Status != "completed" && job.Status != "resolved" {
					return printJSONOrTable(job)
				}
				set, _, err := e.JobSuggestions(ctx, jobID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": job, "suggestions": set.All()})
				}
				printSuggestionTable(set, nil)
				return nil
			})
		},
	}
	return cmd
}

func suggestReviewCmd() *cobra.Command {
	var accept, reject, rollback []string
	var acceptAll, rejectAll, apply bool
	cmd := &cobra.Command{
		Use:   "review <job-id>",
		Short: "Review suggestions and optionally apply the accepted set",
		Long: `Resolves suggestion paths in one pass: --accept-all or --reject-all first,
then per-path --accept/--reject/--rollback prefixes in that order. With --apply
every path must end up resolved; the accepted subset is written to the backlog
and the job is marked resolved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.GetImprovementJob(ctx, jobID)
				if err != nil {
					return err
				}
				if job.Status != "completed" {
					return fmt.Errorf("job %s is %s, not completed", job.ID, job.Status)
				}
				set, snap, err := e.JobSuggestions(ctx, jobID)
				if err != nil {
					return err
				}
				tr := suggestion.NewTracker(set)
				if acceptAll {
					tr.AcceptAll("")
				}
				if rejectAll {
					tr.RejectAll("")
				}
				for _, p := range accept {
					tr.AcceptAll(p)
				}
				for _, p := range reject {
					tr.RejectAll(p)
				}
				for _, p := range rollback {
					tr.RollbackAll(p)
				}
				if !viper.GetBool("json") {
					printSuggestionTable(set, tr)
				}
				if !apply {
					if viper.GetBool("json") {
						return printJSON(reviewOutput(set, tr))
					}
					return nil
				}
				if !tr.FullyResolved("") {
					return fmt.Errorf("cannot apply: some paths are unresolved (use --accept-all or --reject-all to cover the rest)")
				}
				store := engine.Store{Engine: e, ActorID: viper.GetString("actor-id")}
				saver := suggestion.Saver{
					Entities:    store,
					Jobs:        store,
					WorkspaceID: job.WorkspaceID,
				}
				if err := saver.Save(ctx, tr, snap, jobID); err != nil {
					return err
				}
				resolved, err := e.GetImprovementJob(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(resolved)
			})
		},
	}
	cmd.Flags().StringArrayVar(&accept, "accept", []string{}, "accept path prefix (repeatable)")
	cmd.Flags().StringArrayVar(&reject, "reject", []string{}, "reject path prefix (repeatable)")
	cmd.Flags().StringArrayVar(&rollback, "rollback", []string{}, "rollback path prefix (repeatable)")
	cmd.Flags().BoolVar(&acceptAll, "accept-all", false, "accept every path")
	cmd.Flags().BoolVar(&rejectAll, "reject-all", false, "reject every path")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply accepted suggestions and mark the job resolved")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: initiative and task changes, job lifecycle, applied suggestions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Workspace.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys let agents and CI call the HTTP API as an actor without a JWT. The plaintext key is shown once at creation; only a hash is stored.",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := actor
				if target == "" {
					target = viper.GetString("actor-id")
				}
				plain, key, err := e.MintAPIKey(ctx, target, name)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s for %s (store it now, it is not shown again):\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWorkspaceAndConfig(cmd.Context(), viper.GetString("workspace-id"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OPENBACKLOG_JWT_SECRET"),
				AllowLegacyActorHeader: legacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPENBACKLOG_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			server.StartJobRunner(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving OpenBacklog API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
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
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveWorkspaceAndConfig(ctx, viper.GetString("workspace-id"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func resolveInitiative(ctx context.Context, e engine.Engine, ref string) (domain.Initiative, error) {
	if strings.HasPrefix(ref, "INIT-") {
		return e.Repo.GetInitiativeByIdentifier(ctx, e.Config.Workspace.ID, ref)
	}
	return e.Repo.GetInitiative(ctx, ref)
}

func resolveTask(ctx context.Context, e engine.Engine, ref string) (domain.Task, error) {
	if strings.HasPrefix(ref, "TASK-") {
		return e.Repo.GetTaskByIdentifier(ctx, e.Config.Workspace.ID, ref)
	}
	return e.Repo.GetTask(ctx, ref)
}

func printSuggestionTable(set *suggestion.Set, tr *suggestion.Tracker) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Path", "Action", "Current", "Suggested", "Resolution"})
	for _, sug := range set.All() {
		resolution := ""
		if tr != nil {
			switch res := tr.ResolutionOf(sug.Path); {
			case !res.Resolved:
				resolution = "pending"
			case res.Accepted:
				resolution = "accepted"
			default:
				resolution = "rejected"
			}
		}
		tw.AppendRow(table.Row{
			sug.Path,
			sug.Action,
			truncate(fmtValue(sug.OriginalValue), 40),
			truncate(fmtValue(sug.SuggestedValue), 40),
			resolution,
		})
	}
	tw.Render()
}

func reviewOutput(set *suggestion.Set, tr *suggestion.Tracker) []map[string]any {
	var out []map[string]any
	for _, sug := range set.All() {
		res := tr.ResolutionOf(sug.Path)
		out = append(out, map[string]any{
			"path":      sug.Path,
			"action":    sug.Action,
			"original":  sug.OriginalValue,
			"suggested": sug.SuggestedValue,
			"resolved":  res.Resolved,
			"accepted":  res.Accepted,
		})
	}
	return out
}

func fmtValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
