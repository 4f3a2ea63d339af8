package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"eduhelper/db"
	"eduhelper/utils"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statsCmd() *cobra.Command {
	var (
		days   int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show service usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			now := time.Now()
			stats, err := app.store.GetServiceStats(ctx, app.limiter.DayStart(now), 10)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, stats)
			}

			fmt.Fprintf(out, "Requests today:   %d ($%.4f)\n", stats.RequestsToday, stats.CostTodayUSD)
			fmt.Fprintf(out, "Tasks total:      %d\n", stats.TasksTotal)
			fmt.Fprintf(out, "Tokens total:     %d\n", stats.TokensTotal)
			fmt.Fprintf(out, "Cost total:       $%.4f\n", stats.CostTotalUSD)
			fmt.Fprintf(out, "Avg response:     %.0f ms\n", stats.AvgResponseMs)
			fmt.Fprintf(out, "Users:            %d\n", stats.Users)
			if len(stats.PopularSubjects) > 0 {
				fmt.Fprintln(out, "\nPopular subjects:")
				for _, s := range stats.PopularSubjects {
					fmt.Fprintf(out, "  %-24s %d\n", s.Subject, s.Count)
				}
			}

			// The daily and per-model breakdowns are only kept locally.
			if app.pg != nil {
				return nil
			}
			start := app.limiter.DayStart(now.AddDate(0, 0, -(days - 1)))
			daily, err := app.local.GetDailyStats(ctx, start, now)
			if err != nil {
				return err
			}
			if len(daily) > 0 {
				fmt.Fprintf(out, "\nLast %d days:\n", days)
				for _, d := range daily {
					fmt.Fprintf(out, "  %s  %4d tasks  %8d tokens  $%.4f\n", d.Date, d.Tasks, d.TotalTokens, d.CostUSD)
				}
			}
			models, err := app.local.GetTopModels(ctx, 5)
			if err != nil {
				return err
			}
			if len(models) > 0 {
				fmt.Fprintln(out, "\nModels:")
				for _, m := range models {
					fmt.Fprintf(out, "  %-36s %4d tasks  $%.4f\n", m.Model, m.Tasks, m.CostUSD)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Days in the daily breakdown")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and manage user quotas",
		Long: `Inspect and manage user quotas.

Examples:
  eduhelper user show 42
  eduhelper user tasks 42 --subject algebra
  eduhelper user ban 42
  eduhelper user bonus 42 5
  eduhelper user limit 42 50
  eduhelper user limit 42 default`,
	}

	cmd.AddCommand(
		userShowCmd(),
		userTasksCmd(),
		userBanCmd("ban", true),
		userBanCmd("unban", false),
		userBonusCmd(),
		userLimitCmd(),
	)
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.limiter.Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:           %s\n", rec.UserID)
			fmt.Fprintf(out, "Today:          %d / %d\n", rec.RequestsToday, app.limiter.Limit(rec))
			fmt.Fprintf(out, "Bonus:          %d\n", rec.BonusRequests)
			fmt.Fprintf(out, "Total requests: %d\n", rec.RequestsTotal)
			fmt.Fprintf(out, "Total tokens:   %d\n", rec.TokensTotal)
			fmt.Fprintf(out, "Total cost:     $%.4f\n", rec.CostTotalUSD)
			fmt.Fprintf(out, "Banned:         %t\n", rec.IsBanned)
			return nil
		},
	}
}

func userTasksCmd() *cobra.Command {
	var (
		query   string
		subject string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "tasks <user-id>",
		Short: "List a user's completed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			var tasks []*db.CompletedTask
			switch {
			case subject != "":
				if app.pg != nil {
					return errors.New("--subject is only supported with the SQLite store")
				}
				tasks, err = app.local.ListTasksBySubject(cmd.Context(), subject, limit)
			case query != "":
				tasks, err = app.store.SearchTasks(cmd.Context(), args[0], query, limit)
			default:
				tasks, err = listTasks(app, cmd, args[0], limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, tasks)
			}
			for _, t := range tasks {
				subj := "-"
				if t.Subject != nil {
					subj = *t.Subject
				}
				fmt.Fprintf(out, "%s  %-12s  %s\n", t.CreatedAt.Format(time.DateTime), subj, firstLine(t.Question, 60))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Search question and answer text")
	cmd.Flags().StringVar(&subject, "subject", "", "Filter by subject across all users")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum tasks to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func listTasks(app *application, cmd *cobra.Command, userID string, limit int) ([]*db.CompletedTask, error) {
	if app.pg != nil {
		return app.pg.ListTasks(cmd.Context(), userID, limit, 0)
	}
	return app.local.ListTasks(cmd.Context(), userID, limit, 0)
}

func firstLine(s string, limit int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if runes := []rune(s); len(runes) > limit {
		return string(runes[:limit-1]) + "…"
	}
	return s
}

func userBanCmd(use string, banned bool) *cobra.Command {
	short := "Block a user"
	if !banned {
		short = "Unblock a user"
	}
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.limiter.SetBanned(cmd.Context(), args[0], banned); err != nil {
				return err
			}
			app.logger.Info("User %s banned=%t", args[0], banned)
			return nil
		},
	}
}

func userBonusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bonus <user-id> <n>",
		Short: "Grant extra requests beyond the daily limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("bonus must be a positive integer, got %q", args[1])
			}
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.limiter.GrantBonus(cmd.Context(), args[0], n); err != nil {
				return err
			}
			app.logger.Info("Granted %d bonus requests to user %s", n, args[0])
			return nil
		},
	}
}

func userLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limit <user-id> <n|default>",
		Short: "Override a user's daily limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var limit *int
			if args[1] != "default" {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 0 {
					return fmt.Errorf("limit must be a non-negative integer or \"default\", got %q", args[1])
				}
				limit = &n
			}
			app, err := openApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			return app.limiter.SetCustomLimit(cmd.Context(), args[0], limit)
		},
	}
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Local database maintenance",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show row counts and file size",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := openApplication(cmd.Context())
				if err != nil {
					return err
				}
				defer app.Close()

				stats, err := app.local.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Path:            %s\n", app.config.Data.DBPath)
				fmt.Fprintf(out, "Size:            %s\n", utils.FormatFileSize(stats.DBSizeBytes))
				fmt.Fprintf(out, "Active states:   %d\n", stats.ActiveStates)
				fmt.Fprintf(out, "Completed tasks: %d\n", stats.CompletedTasks)
				fmt.Fprintf(out, "Users:           %d\n", stats.Users)
				return nil
			},
		},
		&cobra.Command{
			Use:   "vacuum",
			Short: "Compact the SQLite file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := openApplication(cmd.Context())
				if err != nil {
					return err
				}
				defer app.Close()

				if err := app.local.Vacuum(cmd.Context()); err != nil {
					return err
				}
				app.logger.Info("Database vacuumed: %s", app.config.Data.DBPath)
				return nil
			},
		},
	)
	return cmd
}
