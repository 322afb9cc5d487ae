package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
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
	"go.uber.org/zap"

	"pulseboard/internal/app"
	"pulseboard/internal/config"
	"pulseboard/internal/db"
	"pulseboard/internal/domain"
	"pulseboard/internal/engine"
	"pulseboard/internal/llm"
	"pulseboard/internal/migrate"
	"pulseboard/internal/repo"
	"pulseboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pb",
	Short: "Pulseboard CLI",
	Long: `Pulseboard tracks project status sheets and derives health from milestones.
Core concepts:
- Workspace: your .pulseboard directory with only the database; configs are stored in the DB and imported explicitly.
- Project: a status sheet with description, value statement, budget, and owner.
- Milestones: dated checkpoints with completion percentages and weights; they are the source of truth for dates and health.
- Health: green/yellow/red derived by comparing weighted completion against elapsed time, or set manually per project.
- Risks and accomplishments: the rest of the status sheet.
- Event log: diary of changes, view with 'pb log tail'.`,
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
	viper.SetEnvPrefix("PULSEBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(recalculateCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(accomplishmentCmd())
	rootCmd.AddCommand(narrativeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, repo.ProjectFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Owner", "End"})
				for _, p := range items {
					end := ""
					if p.CalculatedEndDate != nil {
						end = *p.CalculatedEndDate
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Owner, end})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(opts.ID))
			p, err := e.CreateProject(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ValueStatement, "value-statement", "", "value statement")
	cmd.Flags().StringVar(&opts.Status, "status", "draft", "status (draft, active, on_hold, completed, cancelled)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var opts engine.ProjectUpdateOptions
	var name, description, valueStatement, status, calcType, manualColor, owner string
	var budgetAllocated, budgetSpent float64
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = viper.GetString("project")
			opts.ActorID = viper.GetString("actor-id")
			flagPtr := func(flag string, v *string) *string {
				if cmd.Flags().Changed(flag) {
					return v
				}
				return nil
			}
			opts.Name = flagPtr("name", &name)
			opts.Description = flagPtr("description", &description)
			opts.ValueStatement = flagPtr("value-statement", &valueStatement)
			opts.Status = flagPtr("status", &status)
			opts.HealthCalculationType = flagPtr("health-calculation", &calcType)
			opts.ManualStatusColor = flagPtr("manual-color", &manualColor)
			opts.Owner = flagPtr("owner", &owner)
			if cmd.Flags().Changed("budget-allocated") {
				opts.BudgetAllocated = &budgetAllocated
			}
			if cmd.Flags().Changed("budget-spent") {
				opts.BudgetSpent = &budgetSpent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ID == "" {
					opts.ID = e.Config.Project.ID
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&valueStatement, "value-statement", "", "value statement")
	cmd.Flags().StringVar(&status, "status", "", "status (draft, active, on_hold, completed, cancelled)")
	cmd.Flags().StringVar(&calcType, "health-calculation", "", "health calculation (automatic, manual)")
	cmd.Flags().StringVar(&manualColor, "manual-color", "", "manual status color (green, yellow, red; empty clears)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner")
	cmd.Flags().Float64Var(&budgetAllocated, "budget-allocated", 0, "allocated budget")
	cmd.Flags().Float64Var(&budgetSpent, "budget-spent", 0, "spent budget")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.DeleteProject(ctx, target, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PULSEBOARD_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PULSEBOARD_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigValidateCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigValidateCmd() *cobra.Command {
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

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the project status sheet",
		Long:  "The full scoreboard: project details, milestones, risks, accomplishments, and the current health classification.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				sheet, err := e.ProjectStatus(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sheet)
				}
				p := sheet.Project
				fmt.Printf("Project: %s (%s)\n", p.Name, p.Status)
				fmt.Printf("Health:  %s (%s)\n", sheet.Health.Color, sheet.Health.Reasoning)
				if p.CalculatedStartDate != nil && p.CalculatedEndDate != nil {
					fmt.Printf("Dates:   %s to %s\n", *p.CalculatedStartDate, *p.CalculatedEndDate)
				}
				fmt.Println("Milestones:")
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Date", "Completion", "Weight"})
				for _, m := range sheet.Milestones {
					date := ""
					if m.Date != nil {
						date = *m.Date
					}
					weight := ""
					if m.Weight != nil {
						weight = fmt.Sprint(*m.Weight)
					}
					tw.AppendRow(table.Row{m.Name, date, fmt.Sprintf("%d%%", m.Completion), weight})
				}
				tw.Render()
				if len(sheet.Risks) > 0 {
					fmt.Printf("Risks: %d\n", len(sheet.Risks))
				}
				if len(sheet.Accomplishments) > 0 {
					fmt.Printf("Accomplishments: %d\n", len(sheet.Accomplishments))
				}
				return nil
			})
		},
	}
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Classify project health",
		Long:  "Derives green/yellow/red from milestone completion versus elapsed time and refreshes the cached date columns.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				c, err := e.ProjectHealth(ctx, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s (%s)\n", c.Color, c.CalculationType)
				fmt.Println(c.Reasoning)
				for _, rec := range c.Recommendations {
					fmt.Printf("  - %s\n", rec)
				}
				return nil
			})
		},
	}
	return cmd
}

func recalculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Recalculate health for all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecalculateAll(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones carry the dates, completion percentages, and weights that drive derived project dates and automatic health.",
	}
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneUpdateCmd())
	ms.AddCommand(milestoneDeleteCmd())
	return ms
}

func milestoneAddCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	var weight int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.ProjectID = viper.GetString("project")
			if cmd.Flags().Changed("weight") {
				opts.Weight = &weight
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				m, err := e.CreateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "milestone id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Date, "date", "", "date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Completion, "completion", 0, "completion percentage [0,100]")
	cmd.Flags().IntVar(&weight, "weight", 0, "weight (defaults from config)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "advisory status (green, yellow, red)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				items, err := e.Repo.ListMilestones(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Date", "Completion", "Weight", "Status"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, strFromPtr(m.Date), fmt.Sprintf("%d%%", m.Completion), intFromPtr(m.Weight), strFromPtr(m.Status)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneUpdateCmd() *cobra.Command {
	var opts engine.MilestoneUpdateOptions
	var name, date, status, notes string
	var completion, weight int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("date") {
				opts.Date = &date
			}
			if cmd.Flags().Changed("completion") {
				opts.Completion = &completion
			}
			if cmd.Flags().Changed("weight") {
				opts.Weight = &weight
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD, empty clears)")
	cmd.Flags().IntVar(&completion, "completion", 0, "completion percentage [0,100]")
	cmd.Flags().IntVar(&weight, "weight", 0, "weight")
	cmd.Flags().StringVar(&status, "status", "", "advisory status (empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func milestoneDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMilestone(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func riskCmd() *cobra.Command {
	rk := &cobra.Command{Use: "risk", Short: "Manage risks"}
	rk.AddCommand(riskAddCmd())
	rk.AddCommand(riskListCmd())
	rk.AddCommand(riskUpdateCmd())
	rk.AddCommand(riskDeleteCmd())
	return rk
}

func riskAddCmd() *cobra.Command {
	var opts engine.RiskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.ProjectID = viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				rk, err := e.CreateRisk(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rk)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "risk id (optional)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Impact, "impact", "", "impact (low, medium, high)")
	cmd.Flags().StringVar(&opts.Mitigation, "mitigation", "", "mitigation")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func riskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List risks",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				items, err := e.Repo.ListRisks(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Impact", "Status"})
				for _, rk := range items {
					tw.AppendRow(table.Row{rk.ID, rk.Description, rk.Impact, rk.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func riskUpdateCmd() *cobra.Command {
	var opts engine.RiskUpdateOptions
	var description, impact, mitigation, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("impact") {
				opts.Impact = &impact
			}
			if cmd.Flags().Changed("mitigation") {
				opts.Mitigation = &mitigation
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rk, err := e.UpdateRisk(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rk)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&impact, "impact", "", "impact (low, medium, high)")
	cmd.Flags().StringVar(&mitigation, "mitigation", "", "mitigation")
	cmd.Flags().StringVar(&status, "status", "", "status (open, mitigated, closed)")
	return cmd
}

func riskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRisk(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func accomplishmentCmd() *cobra.Command {
	acc := &cobra.Command{Use: "accomplishment", Short: "Manage accomplishments"}
	acc.AddCommand(accomplishmentAddCmd())
	acc.AddCommand(accomplishmentListCmd())
	acc.AddCommand(accomplishmentDeleteCmd())
	return acc
}

func accomplishmentAddCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an accomplishment",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				a, err := e.AddAccomplishment(ctx, target, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func accomplishmentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accomplishments",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				items, err := e.Repo.ListAccomplishments(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func accomplishmentDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an accomplishment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.DeleteAccomplishment(ctx, target, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func narrativeCmd() *cobra.Command {
	nar := &cobra.Command{
		Use:   "narrative",
		Short: "Generate narrative text with a local LLM",
		Long:  "Drafts descriptions, value statements, executive summaries, and milestone suggestions through an Ollama-compatible endpoint. Configure with PULSEBOARD_LLM_* variables.",
	}
	nar.AddCommand(narrativeTextCmd("description", "Draft a project description", func(ctx context.Context, n *llm.Narrative, sheet engine.StatusSheet) (string, error) {
		return n.Description(ctx, sheet.Project, sheet.Milestones)
	}))
	nar.AddCommand(narrativeTextCmd("value-statement", "Draft a value statement", func(ctx context.Context, n *llm.Narrative, sheet engine.StatusSheet) (string, error) {
		return n.ValueStatement(ctx, sheet.Project)
	}))
	nar.AddCommand(narrativeTextCmd("summary", "Draft an executive summary", func(ctx context.Context, n *llm.Narrative, sheet engine.StatusSheet) (string, error) {
		return n.ExecutiveSummary(ctx, sheet.Project, sheet.Milestones, sheet.Risks, sheet.Accomplishments, sheet.Health)
	}))
	nar.AddCommand(narrativeSuggestCmd())
	return nar
}

func narrativeTextCmd(use, short string, fn func(context.Context, *llm.Narrative, engine.StatusSheet) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				sheet, err := e.ProjectStatus(ctx, target)
				if err != nil {
					return err
				}
				n := narrativeService(e.Config)
				text, err := fn(ctx, n, sheet)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"text": text})
				}
				fmt.Println(text)
				return nil
			})
		},
	}
}

func narrativeSuggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestones",
		Short: "Suggest milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				sheet, err := e.ProjectStatus(ctx, target)
				if err != nil {
					return err
				}
				n := narrativeService(e.Config)
				suggestions, err := n.SuggestMilestones(ctx, sheet.Project, sheet.Milestones)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(suggestions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Date", "Weight"})
				for _, s := range suggestions {
					tw.AppendRow(table.Row{s.Name, s.Date, s.Weight})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// narrativeService builds an LLM client from env config, falling back to
// the project config for endpoint and model. Running a narrative command
// is an explicit request, so the client is always enabled here.
func narrativeService(appCfg *config.Config) *llm.Narrative {
	cfg := llm.LoadConfig()
	cfg.Enabled = true
	if appCfg != nil {
		if os.Getenv("PULSEBOARD_LLM_ENDPOINT") == "" && appCfg.LLM.BaseURL != "" {
			cfg.Endpoint = appCfg.LLM.BaseURL
		}
		if os.Getenv("PULSEBOARD_LLM_MODEL") == "" && appCfg.LLM.Model != "" {
			cfg.Model = appCfg.LLM.Model
		}
	}
	return &llm.Narrative{Client: llm.NewOllamaClient(cfg, llm.NoopObserver{})}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: project edits, milestone changes, health calculations, and more.",
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
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
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
		Long:  "API keys authenticate service callers via the X-Api-Key header. Only the SHA-256 hash is stored; the raw key is shown once on creation.",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				rawKey := "pbk_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": rawKey})
				}
				fmt.Printf("API key created (id %s). Store it now; it is not shown again:\n%s\n", key.ID, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
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
			e := engine.New(conn, nil)
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), e, viper.GetString("project"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			e = engine.New(conn, cfg)
			e.Log = logger
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PULSEBOARD_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PULSEBOARD_JWT_SECRET is required for bearer auth")
			}
			var narrative *llm.Narrative
			llmCfg := llm.LoadConfig()
			if llmCfg.Enabled {
				narrative = &llm.Narrative{Client: llm.NewOllamaClient(llmCfg, llm.NewZapObserver(logger))}
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				BasePath:  basePath,
				Auth:      authCfg,
				Narrative: narrative,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, logger)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Bool("llm_enabled", narrative != nil))
			fmt.Printf("Serving Pulseboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
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
	e := engine.New(conn, nil)
	_, cfg, err := app.ResolveProjectAndConfig(ctx, e, viper.GetString("project"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	e.Config = cfg
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

func strFromPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intFromPtr(v *int) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}
