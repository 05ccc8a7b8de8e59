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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/repo"
	"propline/internal/server"
	"propline/internal/stages"
)

var rootCmd = &cobra.Command{
	Use:   "propline",
	Short: "Propline CLI",
	Long: `Propline runs a university research proposal portal.
Core concepts:
- Workspace: your .propline directory holding the database; propline.yml tunes the portal.
- Proposal: a research proposal moving through a fixed ten-stage endorsement pipeline.
- Endorsement: a reviewing body's decision (approve, reject, request revision) at one stage.
- Ledger: the append-only record of every decision; status and progress are derived from it.
- Stage 8 starts implementation; from there units file progress reports.
- Event log: diary of changes, view with 'propline log tail'.`,
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
	viper.SetEnvPrefix("PROPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(endorseCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(reviewerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage portal config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default propline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show portal status",
		Long:  "The scoreboard for your workspace: database location, schema version, and proposal counts by status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				version, err := migrate.Version(r.DB)
				if err != nil {
					return err
				}
				counts, err := r.CountProposalsByStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"database":        db.Path(workspace),
					"schema_version":  version,
					"proposal_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Database: %s (schema v%d)\n", db.Path(workspace), version)
				fmt.Println("Proposals:")
				for status, n := range counts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "Proposals enter at stage 1 (College Endorsement) and advance one stage per approval. Status and completion percent are always derived from the endorsement ledger.",
	}
	prop.AddCommand(proposalSubmitCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	return prop
}

func proposalSubmitCmd() *cobra.Command {
	var title, unit, budget string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SubmitProposal(ctx, engine.SubmitOptions{
					Title:          title,
					SubmittingUnit: unit,
					Budget:         budget,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&unit, "unit", "", "submitting unit")
	cmd.Flags().StringVar(&budget, "budget", "", "proposed budget")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Unit", "Status", "Submitted"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.SubmittingUnit, p.Status, p.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SubmittingUnit, "unit", "", "submitting unit filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal with derived progress and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetProposalView(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("%s (%s)\n", view.Proposal.Title, view.Proposal.Status)
				fmt.Printf("Unit: %s\n", view.Proposal.SubmittingUnit)
				fmt.Printf("Completion: %d%% (stage %d)\n", view.Progress.CompletionPercent, view.Progress.CurrentStageOrdinal)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "State"})
				for _, s := range view.Progress.StageStates {
					tw.AppendRow(table.Row{s.Ordinal, s.Name, s.State})
				}
				tw.Render()
				if len(view.History) > 0 {
					fmt.Println("History:")
					for _, rec := range view.History {
						fmt.Printf("  stage %d %s by %s (%s) %s\n", rec.StageOrdinal, rec.Decision, rec.IssuerRole, rec.IssuerID, rec.IssuedAt)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func endorseCmd() *cobra.Command {
	var stage int
	var role, decision, comments string
	cmd := &cobra.Command{
		Use:   "endorse <proposal-id>",
		Short: "Record a decision at the proposal's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordEndorsement(ctx, engine.EndorseOptions{
					ProposalID:   args[0],
					StageOrdinal: stage,
					IssuerRole:   domain.Role(role),
					IssuerID:     viper.GetString("actor-id"),
					Decision:     decision,
					Comments:     comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "stage ordinal (1-10)")
	cmd.Flags().StringVar(&role, "role", "", "issuing role")
	cmd.Flags().StringVar(&decision, "decision", "", "approved, rejected or revision_requested")
	cmd.Flags().StringVar(&comments, "comments", "", "optional comments")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Progress reports",
		Long:  "Implementing proposals (stage 8 and beyond) file progress reports. The units subcommand folds all stored reports into a per-unit summary.",
	}
	rep.AddCommand(reportSubmitCmd())
	rep.AddCommand(reportUnitsCmd())
	return rep
}

func reportSubmitCmd() *cobra.Command {
	var reportType, achievements, achievementsFile, nextMilestone string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "submit <proposal-id>",
		Short: "Submit a progress report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if achievementsFile != "" {
				data, err := os.ReadFile(achievementsFile)
				if err != nil {
					return err
				}
				achievements = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.SubmitProgressReport(ctx, engine.ReportOptions{
					ProposalID:    args[0],
					ReportType:    reportType,
					Achievements:  achievements,
					NextMilestone: nextMilestone,
					Attachments:   attachments,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&reportType, "type", "quarterly", "interim, quarterly, annual or final")
	cmd.Flags().StringVar(&achievements, "achievements", "", "achievements text")
	cmd.Flags().StringVar(&achievementsFile, "achievements-file", "", "read achievements from a file")
	cmd.Flags().StringVar(&nextMilestone, "next-milestone", "", "next milestone")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "attachment handle (repeatable)")
	return cmd
}

func reportUnitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "Per-unit progress summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				units, err := e.ListUnitProgress(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Reports", "Last Report", "Last Achievements"})
				for _, u := range units {
					last, achievements := "", ""
					if u.MostRecentReport != nil {
						last = u.MostRecentReport.SubmittedAt
						achievements = u.MostRecentReport.Achievements
						if len(achievements) > 60 {
							achievements = achievements[:57] + "..."
						}
					}
					tw.AppendRow(table.Row{u.Unit, u.ReportCount, last, achievements})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show the endorsement pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			all := stages.All()
			if viper.GetBool("json") {
				return printJSON(all)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Stage", "Authorizing Role", ""})
			for _, def := range all {
				marker := ""
				if stages.IsImplementationBoundary(def.Ordinal) {
					marker = "implementation starts"
				}
				tw.AppendRow(table.Row{def.Ordinal, def.Name, def.AuthorizingRole, marker})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func reviewerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reviewer", Short: "Reviewer role registry"}
	cmd.AddCommand(reviewerAssignCmd())
	cmd.AddCommand(reviewerRevokeCmd())
	cmd.AddCommand(reviewerRolesCmd())
	return cmd
}

func reviewerAssignCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a portal role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				asg, err := e.AssignReviewer(ctx, target, domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(asg)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "portal role")
	return cmd
}

func reviewerRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a portal role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.RevokeReviewerRole(ctx, tx, target, domain.Role(role)); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "portal role")
	return cmd
}

func reviewerRolesCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Show an actor's portal roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ReviewerRoles(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": target, "roles": roles})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API key management"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = viper.GetString("actor-id")
			}
			secret := uuid.New().String()
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   target,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, target, key.CreatedAt); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// the plaintext secret is shown once and never stored
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": target, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, endorsements, advancements, and reports.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, proposalID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, proposalID, evtType, entityKind, "")
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
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
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
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PROPLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("PROPLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Propline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept unauthenticated X-Actor-Id (dev only)")
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
	return fn(ctx, engine.New(conn, cfg))
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
