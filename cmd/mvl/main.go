package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"moveline/internal/catalog"
	"moveline/internal/config"
	"moveline/internal/db"
	"moveline/internal/domain"
	"moveline/internal/engine"
	"moveline/internal/migrate"
	"moveline/internal/preflight"
	"moveline/internal/recommend"
	"moveline/internal/repo"
	"moveline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mvl",
	Short: "Moveline CLI",
	Long: `Moveline runs marketing moves: time-boxed, cohort-targeted actions with an
observe -> orient -> decide -> act lifecycle.
- Workspace: your .moveline directory holding the database; moveline.yml tunes thresholds.
- Campaign: a parent container grouping related moves.
- Move: one concrete action against a cohort with a funnel goal, a timeframe, and an intensity.
- Pre-flight: rule checks (audience size, channel readiness, cadence) gating decide -> act.
- Recommendations: ranked archetype proposals for a goal+cohort intent; accept one to get a move.
- Event log: diary of changes, view with 'mvl log tail'.`,
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
	viper.SetEnvPrefix("MOVELINE")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(preflightCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(workspaceID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "moveline", "workspace id")
	return cmd
}

func statusCmd() *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace status",
		Long:  "The scoreboard: how many moves sit in each lifecycle status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountMovesByStatus(ctx, campaignID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"move_counts": counts})
				}
				fmt.Println("Moves:")
				for _, status := range []string{
					domain.StatusPlanning, domain.StatusObserve, domain.StatusOrient,
					domain.StatusDecide, domain.StatusAct, domain.StatusComplete, domain.StatusKilled,
				} {
					if c, ok := counts[status]; ok {
						fmt.Printf("  %s: %d\n", status, c)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id filter")
	return cmd
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	c.AddCommand(campaignCreateCmd())
	c.AddCommand(campaignListCmd())
	c.AddCommand(campaignGetCmd())
	c.AddCommand(campaignUpdateCmd())
	c.AddCommand(campaignDeleteCmd())
	return c
}

func campaignCreateCmd() *cobra.Command {
	var id, name, objective string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCampaign(ctx, id, name, objective, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "campaign id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "campaign name")
	cmd.Flags().StringVar(&objective, "objective", "", "objective")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func campaignListCmd() *cobra.Command {
	cmd := &cobra.Command{
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
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func campaignGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get campaign",
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
	return cmd
}

func campaignUpdateCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update campaign status (archived campaigns accept no new moves)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCampaignStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (active, paused, archived)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func campaignDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a campaign with no moves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCampaign(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func moveCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "move",
		Short: "Manage moves",
		Long:  "Moves are the actions. They flow planning -> observe -> orient -> decide -> act -> complete, or get killed along the way.",
	}
	m.AddCommand(moveCreateCmd())
	m.AddCommand(moveListCmd())
	m.AddCommand(moveGetCmd())
	m.AddCommand(moveAdvanceCmd())
	m.AddCommand(moveKillCmd())
	m.AddCommand(moveProgressCmd())
	m.AddCommand(moveObserveCmd())
	m.AddCommand(moveOrientCmd())
	m.AddCommand(moveTaskCmd())
	return m
}

func moveCreateCmd() *cobra.Command {
	var draft domain.MoveDraft
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a move",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMove(ctx, draft, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&draft.ID, "id", "", "move id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&draft.CampaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&draft.Name, "name", "", "move name")
	cmd.Flags().StringVar(&draft.Promise, "promise", "", "the promise to the cohort")
	cmd.Flags().StringVar(&draft.PrimaryGoal, "goal", "", "primary goal")
	cmd.Flags().StringArrayVar(&draft.SecondaryGoals, "secondary-goal", []string{}, "secondary goal (repeatable)")
	cmd.Flags().StringVar(&draft.PrimaryCohort, "cohort", "", "primary cohort")
	cmd.Flags().StringArrayVar(&draft.SecondaryCohorts, "secondary-cohort", []string{}, "secondary cohort (repeatable)")
	cmd.Flags().StringVar(&draft.StageFrom, "stage-from", "", "funnel stage the cohort is in")
	cmd.Flags().StringVar(&draft.StageTo, "stage-to", "", "funnel stage to move them to")
	cmd.Flags().IntVar(&draft.TimeframeDays, "timeframe", 14, "timeframe in days")
	cmd.Flags().StringVar(&draft.Intensity, "intensity", "standard", "intensity (light, standard, aggressive)")
	cmd.Flags().StringVar(&draft.StartDate, "start", "", "start date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringArrayVar(&draft.ActTasks, "task", []string{}, "act task (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("cohort")
	_ = cmd.MarkFlagRequired("stage-from")
	_ = cmd.MarkFlagRequired("stage-to")
	return cmd
}

func moveListCmd() *cobra.Command {
	var f repo.MoveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List moves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.ListMoveViews(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Cohort", "Health", "Progress", "Ends"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Name, v.Status, v.PrimaryCohort, v.Health, fmt.Sprintf("%d%%", v.ProgressPercent), v.EndDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CampaignID, "campaign", "", "campaign filter")
	cmd.Flags().StringVar(&f.CohortID, "cohort", "", "cohort filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func moveGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get move",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetMoveView(ctx, args[0], 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func moveAdvanceCmd() *cobra.Command {
	var ackWarn bool
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance move to the next lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AdvanceMove(ctx, args[0], viper.GetString("actor-id"), ackWarn)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&ackWarn, "ack-warn", false, "acknowledge a warn-level pre-flight outcome")
	return cmd
}

func moveKillCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a move",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.KillMove(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the move is aborted")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func moveProgressCmd() *cobra.Command {
	var percent int
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Record execution progress (100 completes the move)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateProgress(ctx, args[0], percent, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&percent, "percent", 0, "progress percent")
	_ = cmd.MarkFlagRequired("percent")
	return cmd
}

func moveObserveCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "observe <id>",
		Short: "Attach an observation source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AttachObservation(ctx, args[0], source, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "data source consulted")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func moveOrientCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "orient <id>",
		Short: "Set orientation notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetOrientation(ctx, args[0], notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "analysis notes")
	_ = cmd.MarkFlagRequired("notes")
	return cmd
}

func moveTaskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage the act checklist"}
	t.AddCommand(moveTaskSetCmd())
	t.AddCommand(moveTaskDoneCmd())
	t.AddCommand(moveTaskSkipCmd())
	return t
}

func moveTaskSetCmd() *cobra.Command {
	var tasks []string
	cmd := &cobra.Command{
		Use:   "set <move-id>",
		Short: "Replace the act checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetActTasks(ctx, args[0], tasks, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringArrayVar(&tasks, "task", []string{}, "task name (repeatable)")
	return cmd
}

func moveTaskDoneCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "done <move-id>",
		Short: "Mark an act task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ResolveActTask(ctx, args[0], name, false, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "task", "", "task name")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func moveTaskSkipCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "skip <move-id>",
		Short: "Mark an act task skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ResolveActTask(ctx, args[0], name, true, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "task", "", "task name")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func preflightCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "preflight",
		Short: "Pre-flight validator",
		Long:  "Pre-flight checks the move against reality you supply: cohort sizes, ready channels, assets, anomalies. Fail blocks decide -> act; warn requires an explicit acknowledgment.",
	}
	p.AddCommand(preflightRunCmd())
	return p
}

func preflightRunCmd() *cobra.Command {
	var contextJSON string
	var cohortSizes, channels []string
	var assets, anomalies []string
	var daysRemaining int
	cmd := &cobra.Command{
		Use:   "run <move-id>",
		Short: "Run the validator against a move",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("move id required")
			}
			pfctx := preflight.Context{
				CohortSizes:     map[string]int{},
				ReadyChannels:   map[string][]string{},
				AvailableAssets: assets,
				AnomalyFlags:    anomalies,
			}
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &pfctx); err != nil {
					return fmt.Errorf("invalid --context-json: %w", err)
				}
			}
			if cmd.Flags().Changed("days-remaining") {
				pfctx.DaysRemaining = preflight.Days(daysRemaining)
			}
			for _, kv := range cohortSizes {
				id, raw, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --cohort-size %q, want cohort=size", kv)
				}
				size, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("invalid --cohort-size %q: %w", kv, err)
				}
				pfctx.CohortSizes[id] = size
			}
			for _, kv := range channels {
				id, raw, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --channel %q, want cohort=ch1,ch2", kv)
				}
				pfctx.ReadyChannels[id] = strings.Split(raw, ",")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, m, err := e.RunPreflight(ctx, args[0], pfctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"report": report, "move": m})
				}
				fmt.Printf("Pre-flight: %s\n", report.Status)
				for _, issue := range report.Issues {
					fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
					if issue.Recommendation != "" {
						fmt.Printf("        hint: %s\n", issue.Recommendation)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context-json", "", "full context as JSON (flags below override)")
	cmd.Flags().StringArrayVar(&cohortSizes, "cohort-size", []string{}, "cohort=size (repeatable)")
	cmd.Flags().StringArrayVar(&channels, "channel", []string{}, "cohort=ch1,ch2 ready channels (repeatable)")
	cmd.Flags().StringArrayVar(&assets, "asset", []string{}, "available asset (repeatable)")
	cmd.Flags().StringArrayVar(&anomalies, "anomaly", []string{}, "open anomaly flag (repeatable)")
	cmd.Flags().IntVar(&daysRemaining, "days-remaining", 0, "days left (derived from end date if omitted)")
	return cmd
}

func recommendCmd() *cobra.Command {
	var in recommend.Intent
	var max int
	var acceptRank int
	var startDate, campaignID string
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Generate ranked move proposals for an intent",
		Long:  "Deterministic: the same catalog and intent always produce the same ranked list. Use --accept N to turn the Nth proposal into a planning move.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.GenerateRecommendations(in, max)
				if err != nil {
					return err
				}
				if acceptRank > 0 {
					if acceptRank > len(recs) {
						return fmt.Errorf("--accept %d out of range, only %d proposals", acceptRank, len(recs))
					}
					m, err := e.AcceptRecommendation(ctx, recs[acceptRank-1], startDate, campaignID, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(m)
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Archetype", "Impact", "Band", "Promise"})
				for i, rec := range recs {
					tw.AppendRow(table.Row{i + 1, rec.ArchetypeID, fmt.Sprintf("%.2f", rec.ImpactScore), rec.ImpactBand, rec.Promise})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.PrimaryGoal, "goal", "", "primary goal")
	cmd.Flags().StringArrayVar(&in.SecondaryGoals, "secondary-goal", []string{}, "secondary goal (repeatable)")
	cmd.Flags().StringVar(&in.CohortID, "cohort", "", "target cohort")
	cmd.Flags().StringVar(&in.StageFrom, "stage-from", "", "funnel stage the cohort is in")
	cmd.Flags().StringVar(&in.StageTo, "stage-to", "", "funnel stage to move them to")
	cmd.Flags().IntVar(&in.TimeframeDays, "timeframe", 14, "timeframe in days")
	cmd.Flags().StringVar(&in.Intensity, "intensity", "standard", "intensity")
	cmd.Flags().IntVar(&max, "max", 0, "max proposals (workspace config cap applies)")
	cmd.Flags().IntVar(&acceptRank, "accept", 0, "accept the Nth proposal as a planning move")
	cmd.Flags().StringVar(&startDate, "start", "", "start date for the accepted move")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign for the accepted move")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("cohort")
	_ = cmd.MarkFlagRequired("stage-from")
	_ = cmd.MarkFlagRequired("stage-to")
	return cmd
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{Use: "catalog", Short: "Reference catalog"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Catalog)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Archetype", "Posture", "Goals", "Impact"})
				for _, a := range e.Catalog.Archetypes {
					tw.AppendRow(table.Row{a.ID, a.Posture, strings.Join(a.Goals, ","), a.BaseImpact})
				}
				tw.Render()
				return nil
			})
		},
	}
	c.AddCommand(show)
	return c
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	validate := &cobra.Command{
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
	cfg.AddCommand(show)
	cfg.AddCommand(validate)
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: moves created, transitions, pre-flight runs, kills.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var campaignID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, campaignID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key (plaintext printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, plaintext)
				fmt.Println("Store it now; only the hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, cat, err := loadWorkspace(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, cat)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("MOVELINE_JWT_SECRET"),
				AllowActorHeader: dev,
			}
			if authCfg.JWTSecret == "" && !dev {
				return fmt.Errorf("MOVELINE_JWT_SECRET is required for bearer auth (or run with --dev)")
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
			fmt.Printf("Serving Moveline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "allow unauthenticated requests with X-Actor-Id")
	return cmd
}

// --- helpers ---

func loadWorkspace(workspace string) (*config.Config, *catalog.Catalog, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default("moveline")
	}
	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		cat, err = catalog.FromFile(cfg.Catalog.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("load catalog: %w", err)
		}
	}
	return cfg, cat, nil
}

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
	cfg, cat, err := loadWorkspace(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, cat)
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
