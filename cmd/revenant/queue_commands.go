package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"revenant/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the resurrection queue",
	}

	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueBatchCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueFailuresCommand(ctx))
	queueCmd.AddCommand(newQueueReviewsCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueSearchCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueErrorsCommand(ctx))

	return queueCmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var target string

	cmd := &cobra.Command{
		Use:   "add <package> <version>",
		Short: "Enqueue one package for resurrection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				job, err := store.Add(cmd.Context(), args[0], args[1], priority, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d: %s (%s)\n", job.ID, job.Requirement(), job.Status)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority (higher first)")
	cmd.Flags().StringVar(&target, "target", "", "Python target version (default "+queue.DefaultPythonTarget+")")
	return cmd
}

func newQueueBatchCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var target string

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Enqueue packages from a requirements-style file",
		Long: `Enqueue packages listed one per line as name==version.
Blank lines and lines starting with # are ignored. Duplicates already in the
queue are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readJobSpecs(args[0], priority)
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No packages found in file")
				return nil
			}
			return ctx.withStore(func(store *queue.Store) error {
				added, err := store.AddBatch(cmd.Context(), specs, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %d of %d packages (%d already queued)\n",
					added, len(specs), len(specs)-added)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority applied to every entry")
	cmd.Flags().StringVar(&target, "target", "", "Python target version (default "+queue.DefaultPythonTarget+")")
	return cmd
}

func readJobSpecs(path string, priority int) ([]queue.JobSpec, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer file.Close()

	var specs []queue.JobSpec
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version, found := strings.Cut(line, "==")
		if !found || strings.TrimSpace(name) == "" || strings.TrimSpace(version) == "" {
			return nil, fmt.Errorf("line %d: expected name==version, got %q", lineNo, line)
		}
		specs = append(specs, queue.JobSpec{
			PackageName: strings.TrimSpace(name),
			Version:     strings.TrimSpace(version),
			Priority:    priority,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return specs, nil
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				total, err := store.Count(cmd.Context())
				if err != nil {
					return err
				}
				if total == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				var rows [][]string
				for _, status := range queue.AllStatuses() {
					if count := stats[status]; count > 0 {
						rows = append(rows, []string{string(status), strconv.Itoa(count)})
					}
				}
				rows = append(rows, []string{"total", strconv.Itoa(total)})
				out := renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newQueueFailuresCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var page int

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List failed jobs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				if page < 1 {
					page = 1
				}
				jobs, err := store.Failures(cmd.Context(), limit, (page-1)*limit)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs")
					return nil
				}
				printJobTable(cmd, jobs, true)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Jobs per page")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}

func newQueueReviewsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reviews",
		Short: "List jobs awaiting manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				jobs, err := store.Reviews(cmd.Context())
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs awaiting review")
					return nil
				}
				printJobTable(cmd, jobs, true)
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Return a failed or review job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				ok, err := store.Retry(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					job, getErr := store.GetByID(cmd.Context(), id)
					if getErr != nil {
						return getErr
					}
					if job == nil {
						return fmt.Errorf("job %d not found", id)
					}
					if !job.Status.IsTerminal() || job.Status == queue.StatusComplete {
						return fmt.Errorf("job %d is %s and cannot be retried", id, job.Status)
					}
					return fmt.Errorf("job %d has used all %d attempts", id, job.MaxAttempts)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d returned to pending\n", id)
				return nil
			})
		},
	}
}

func newQueueSearchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "search <substring>",
		Short: "Find jobs by package name substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				jobs, err := store.Search(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No matching jobs")
					return nil
				}
				printJobTable(cmd, jobs, false)
				return nil
			})
		},
	}
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return ctx.withStore(func(store *queue.Store) error {
				job, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %d not found", id)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job:          %d\n", job.ID)
				fmt.Fprintf(out, "Package:      %s\n", job.Requirement())
				fmt.Fprintf(out, "Status:       %s\n", job.Status)
				fmt.Fprintf(out, "Target:       %s\n", job.PythonTarget)
				fmt.Fprintf(out, "Priority:     %d\n", job.Priority)
				fmt.Fprintf(out, "Attempts:     %d/%d\n", job.Attempts, job.MaxAttempts)
				fmt.Fprintf(out, "Fix method:   %s\n", job.FixMethod)
				fmt.Fprintf(out, "Created:      %s\n", job.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "Updated:      %s\n", job.UpdatedAt.Format(time.RFC3339))
				if job.LastError != "" {
					fmt.Fprintf(out, "Last error:   %s\n", job.LastError)
				}
				return nil
			})
		},
	}
}

func newQueueErrorsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "Show failure messages grouped by frequency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				patterns, err := store.ErrorPatterns(cmd.Context())
				if err != nil {
					return err
				}
				if len(patterns) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No recorded errors")
					return nil
				}
				rows := make([][]string, 0, len(patterns))
				for _, p := range patterns {
					rows = append(rows, []string{strconv.Itoa(p.Count), truncate(p.Message, 100)})
				}
				out := renderTable([]string{"Count", "Error"}, rows, []columnAlignment{alignRight, alignLeft})
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func printJobTable(cmd *cobra.Command, jobs []*queue.Job, withError bool) {
	headers := []string{"ID", "Package", "Status", "Attempts", "Updated"}
	aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft}
	if withError {
		headers = append(headers, "Last Error")
		aligns = append(aligns, alignLeft)
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		row := []string{
			strconv.FormatInt(job.ID, 10),
			job.Requirement(),
			string(job.Status),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			job.UpdatedAt.Format("2006-01-02 15:04"),
		}
		if withError {
			row = append(row, truncate(job.LastError, 60))
		}
		rows = append(rows, row)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
}

// truncate shortens s to max characters for table cells. Counting runes
// keeps multi-byte text from being cut mid-character.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
