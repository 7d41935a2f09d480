package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"giftflow/internal/adapter"
	"giftflow/internal/config"
	"giftflow/internal/db"
	"giftflow/internal/domain"
	"giftflow/internal/engine"
	"giftflow/internal/migrate"
	"giftflow/internal/repo"
	"giftflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Giftflow CLI",
	Long: `Giftflow coordinates multi-party equity donation workflows.
Core concepts:
- Workspace: your .giftflow directory holding the database; workflow catalogs live in giftflow.yml.
- Campaign: a fundraising effort that owns donations and participants.
- Donation / participant: one workflow instance each, seeded from the catalog as a task chain.
- Tasks: steps like signing, appraisal, document review; statuses go pending -> in_progress -> completed, with blocked tasks waiting on dependencies.
- Completion engine: completing a task unblocks every dependent whose full dependency set is done, atomically.
- Adapters: e-signature envelopes and valuation webhooks complete tasks on the actor's behalf.
- Event log: diary of changes, view with 'gf log tail'.`,
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
	viper.SetEnvPrefix("GIFTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "admin", "actor role (donor, nonprofit_admin, appraiser, admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(donationCmd())
	rootCmd.AddCommand(participantCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() domain.Actor {
	return domain.Actor{
		ID:   viper.GetString("actor-id"),
		Role: domain.Role(viper.GetString("role")),
	}
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	c.AddCommand(campaignCreateCmd())
	c.AddCommand(campaignListCmd())
	c.AddCommand(campaignShowCmd())
	return c
}

func campaignCreateCmd() *cobra.Command {
	var id, name, orgID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if id == "" {
					id = uuid.New().String()
				}
				if orgID == "" {
					orgID = e.Config.Org.ID
				}
				c := domain.Campaign{
					ID:        id,
					OrgID:     orgID,
					Name:      name,
					Status:    "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertCampaign(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "campaign id")
	cmd.Flags().StringVar(&name, "name", "", "campaign name")
	cmd.Flags().StringVar(&orgID, "org-id", "", "organization id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func campaignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCampaigns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Org", "Status", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.OrgID, c.Status, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func campaignShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCampaign(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func donationCmd() *cobra.Command {
	d := &cobra.Command{Use: "donation", Short: "Manage donations"}
	d.AddCommand(donationCreateCmd())
	d.AddCommand(donationShowCmd())
	return d
}

func donationCreateCmd() *cobra.Command {
	var id, campaignID, donorID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create donation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if campaignID == "" || donorID == "" {
				return fmt.Errorf("--campaign and --donor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetCampaign(ctx, campaignID); err != nil {
					return err
				}
				if id == "" {
					id = uuid.New().String()
				}
				d := domain.Donation{
					ID:         id,
					CampaignID: campaignID,
					DonorID:    donorID,
					Status:     "pending",
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertDonation(ctx, d); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "donation id")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&donorID, "donor", "", "donor id")
	_ = cmd.MarkFlagRequired("campaign")
	_ = cmd.MarkFlagRequired("donor")
	return cmd
}

func donationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a donation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDonation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func participantCmd() *cobra.Command {
	p := &cobra.Command{Use: "participant", Short: "Manage participants"}
	p.AddCommand(participantCreateCmd())
	p.AddCommand(participantShowCmd())
	return p
}

func participantCreateCmd() *cobra.Command {
	var id, campaignID, donorID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if campaignID == "" || donorID == "" {
				return fmt.Errorf("--campaign and --donor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetCampaign(ctx, campaignID); err != nil {
					return err
				}
				if id == "" {
					id = uuid.New().String()
				}
				p := domain.Participant{
					ID:         id,
					CampaignID: campaignID,
					DonorID:    donorID,
					Status:     "invited",
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertParticipant(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "participant id")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&donorID, "donor", "", "donor id")
	_ = cmd.MarkFlagRequired("campaign")
	_ = cmd.MarkFlagRequired("donor")
	return cmd
}

func participantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetParticipant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	w := &cobra.Command{Use: "workflow", Short: "Seed, reset, and inspect workflows"}
	w.AddCommand(workflowSeedCmd())
	w.AddCommand(workflowResetCmd())
	w.AddCommand(workflowStatusCmd())
	return w
}

func scopeFromFlags(donationID, participantID string) (domain.Scope, error) {
	scope := domain.Scope{DonationID: donationID, ParticipantID: participantID}
	if !scope.Valid() {
		return scope, fmt.Errorf("exactly one of --donation or --participant required")
	}
	return scope, nil
}

func workflowSeedCmd() *cobra.Command {
	var donationID, participantID string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the task chain for a donation or participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(donationID, participantID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var tasks []domain.Task
				var seedErr error
				if scope.DonationID != "" {
					tasks, seedErr = e.SeedDonationWorkflow(ctx, scope.DonationID, cliActor())
				} else {
					tasks, seedErr = e.SeedParticipantWorkflow(ctx, scope.ParticipantID, cliActor())
				}
				if seedErr != nil {
					return seedErr
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&donationID, "donation", "", "donation id")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	return cmd
}

func workflowResetCmd() *cobra.Command {
	var donationID, participantID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-seed a workflow (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(donationID, participantID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ResetWorkflow(ctx, scope, cliActor())
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&donationID, "donation", "", "donation id")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	return cmd
}

func workflowStatusCmd() *cobra.Command {
	var donationID, participantID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow status",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(donationID, participantID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountScopeTasksByStatus(ctx, scope)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListScopeTasks(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"scope_id":    scope.Key(),
						"task_counts": counts,
						"tasks":       tasks,
					})
				}
				fmt.Printf("Workflow: %s\n", scope.Key())
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&donationID, "donation", "", "donation id")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect and act on tasks",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskStartCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskCancelCmd())
	t.AddCommand(taskCommentCmd())
	t.AddCommand(taskCommentsCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var donationID, participantID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in workflow order",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(donationID, participantID)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListScopeTasks(ctx, scope)
				if err != nil {
					return err
				}
				if status != "" {
					filtered := tasks[:0]
					for _, t := range tasks {
						if string(t.Status) == status {
							filtered = append(filtered, t)
						}
					}
					tasks = filtered
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&donationID, "donation", "", "donation id")
	cmd.Flags().StringVar(&participantID, "participant", "", "participant id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Move a pending task to in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Start(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var completionJSON string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task and unblock its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var completion map[string]any
			if completionJSON != "" {
				if err := json.Unmarshal([]byte(completionJSON), &completion); err != nil {
					return fmt.Errorf("invalid --completion-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Complete(ctx, engine.CompleteOptions{
					TaskID:     args[0],
					Actor:      cliActor(),
					Completion: completion,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Completed %s\n", res.Task.ID)
				for _, id := range res.Unblocked {
					fmt.Printf("Unblocked %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&completionJSON, "completion-json", "", "completion payload JSON")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a non-terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Cancel(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCommentCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add a comment to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if body == "" {
				return fmt.Errorf("--body required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddComment(ctx, args[0], viper.GetString("actor-id"), body)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "comment body")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func taskCommentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comments <id>",
		Short: "List task comments, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListComments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workflow config",
		Long:  "Config is the workflow catalog (giftflow.yml): the ordered task templates the factory seeds for donations, participants, and the AI appraisal path.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default giftflow.yml",
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
	}
}

func statsCmd() *cobra.Command {
	s := &cobra.Command{Use: "stats", Short: "Campaign statistics"}
	s.AddCommand(statsShowCmd())
	s.AddCommand(statsSyncCmd())
	return s
}

func statsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Show stats as of last sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stats, err := r.GetCampaignStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

func statsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <campaign-id>",
		Short: "Recompute stats from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetCampaign(ctx, args[0]); err != nil {
					return err
				}
				stats, err := r.RecomputeCampaignStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyRevokeCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor and --key-role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Role:      domain.Role(role),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key acts as")
	cmd.Flags().StringVar(&role, "key-role", "", "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Auth tokens"}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a dev JWT for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("GIFTFLOW_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("GIFTFLOW_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), orgID, viper.GetString("role"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "organization id claim")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: seeds, completions, unblocks, resets, and webhook merges.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, scopeKey string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, scopeKey, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Scope", "Task", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ScopeKey, e.TaskID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&scopeKey, "scope", "", "scope key filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GIFTFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GIFTFLOW_JWT_SECRET is required for bearer auth")
			}
			srvCfg := server.Config{Engine: e, BasePath: basePath, Auth: authCfg}
			blobs := adapter.LocalBlobStore{Root: filepath.Join(workspace, ".giftflow", "blobs")}
			if cfg.Providers.Signing.BaseURL != "" {
				srvCfg.Signing = &adapter.SigningAdapter{
					Engine: e,
					Repo:   e.Repo,
					Provider: adapter.HTTPSigningProvider{
						BaseURL: cfg.Providers.Signing.BaseURL,
						APIKey:  cfg.Providers.Signing.APIKey,
					},
					Blobs: blobs,
				}
			}
			srvCfg.Valuation = &adapter.ValuationAdapter{
				Engine:    e,
				Repo:      e.Repo,
				Freshness: time.Duration(cfg.FreshnessWindow()) * time.Second,
			}
			if cfg.Providers.Valuation.BaseURL != "" {
				srvCfg.Valuation.Provider = adapter.HTTPValuationProvider{
					BaseURL: cfg.Providers.Valuation.BaseURL,
					APIKey:  cfg.Providers.Valuation.APIKey,
				}
			}
			handler, err := server.New(srvCfg)
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
			fmt.Printf("Serving Giftflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
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
	cfg, err := config.Load(workspace)
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
	return fn(ctx, repo.Repo{DB: conn})
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Order", "ID", "Title", "Type", "Status", "Role", "Deps"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.Order, t.ID, t.Title, t.Type, t.Status, t.AssignedRole, strings.Join(t.Dependencies, ",")})
	}
	tw.Render()
	return nil
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
