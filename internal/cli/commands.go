package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/ledgersync/internal/api"
	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
)

// withApp loads the configuration, opens the app and runs fn with it.
func withApp(cmd *cobra.Command, opts *RootOptions, dispatch bool, fn func(app *App, out *OutputFormatter) error) error {
	out := formatterFor(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return out.Fail(err)
	}
	out.VerboseLog("Using queue database %s", cfg.Database.Path)

	app, err := openApp(cmd.Context(), cfg, dispatch)
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "failed to open syncd", err))
	}
	defer app.Close()

	if err := fn(app, out); err != nil {
		return out.Fail(err)
	}
	return nil
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		req      syncpkg.EnqueueRequest
		opType   string
		payload  string
		priority int
		at       string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Persist one document change in the local queue",
		Long: `Persist one document change in the local queue.

The change is stored durably and delivered by the running daemon.
Submitting the same change twice within one idempotency bucket is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				req.OperationType = queue.OperationType(opType)
				if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
					return errors.Wrap(errors.ErrValidation, "payload must be a JSON object", err)
				}
				if cmd.Flags().Changed("priority") {
					req.Priority = &priority
				}
				if at != "" {
					ts, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return errors.Wrap(errors.ErrValidation, "--at must be RFC3339", err)
					}
					req.Timestamp = ts
				}

				id, err := app.Engine.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				return out.Success(map[string]string{"operationId": id}, func(w io.Writer) {
					fmt.Fprintln(w, id)
				})
			})
		},
	}

	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "owning account id")
	cmd.Flags().StringVar(&opType, "type", string(queue.OperationCreate), "operation type (create|update|delete|upload_file)")
	cmd.Flags().StringVar(&req.TargetCollection, "collection", "", "target collection")
	cmd.Flags().StringVar(&req.DocumentID, "doc", "", "document id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority, lower runs first (default by operation type)")
	cmd.Flags().StringVar(&at, "at", "", "time the change was made, RFC3339 (default now)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.MarkFlagRequired("doc")

	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <operation-id>",
		Short: "Show the current state of one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				item, err := app.Engine.Item(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(api.NewItemView(item), func(w io.Writer) { renderItem(w, item) })
			})
		},
	}
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				stats, err := app.Engine.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(stats, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					for _, s := range queue.Statuses {
						fmt.Fprintf(tw, "%s\t%d\n", s, stats.Queue[s])
					}
					_ = tw.Flush()
				})
			})
		},
	}
}

// NewDeadLetterCommand creates the deadletter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and requeue dead-lettered items",
	}

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				items, err := app.Engine.ListDeadLetters(cmd.Context(), owner)
				if err != nil {
					return err
				}
				views := make([]api.ItemView, 0, len(items))
				for _, item := range items {
					views = append(views, api.NewItemView(item))
				}
				return out.Success(views, func(w io.Writer) { renderItems(w, items) })
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "only this owner")

	requeue := &cobra.Command{
		Use:   "requeue <operation-id>",
		Short: "Move a dead-lettered item back to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				item, err := app.Engine.RequeueDeadLetter(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return out.Success(api.NewItemView(item), func(w io.Writer) {
					fmt.Fprintf(w, "%s requeued\n", item.OperationID)
				})
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		owner string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded conflicts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				conflicts, err := app.Engine.Conflicts(cmd.Context(), owner, limit)
				if err != nil {
					return err
				}
				return out.Success(conflicts, func(w io.Writer) { renderConflicts(w, conflicts) })
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of conflicts")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Dispatch one batch per owner and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, true, func(app *App, out *OutputFormatter) error {
				result, err := app.Engine.SyncNow(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(result, func(w io.Writer) {
					fmt.Fprintf(w, "owners=%d dispatched=%d synced=%d retried=%d dead_lettered=%d conflicts=%d took=%s\n",
						result.Owners, result.Dispatched, result.Synced, result.Retried,
						result.DeadLettered, result.Conflicts, result.Duration.Round(time.Millisecond))
				})
			})
		},
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced items older than a retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, false, func(app *App, out *OutputFormatter) error {
				if olderThan < 0 {
					return errors.New(errors.ErrValidation, "--older-than must not be negative")
				}
				n, err := app.Engine.Purge(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				return out.Success(map[string]int{"purged": n}, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d item(s)\n", n)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "retention for synced items")
	return cmd
}

func renderItem(w io.Writer, item *queue.Item) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "operation\t%s\n", item.OperationID)
	fmt.Fprintf(tw, "status\t%s\n", item.Status)
	fmt.Fprintf(tw, "type\t%s\n", item.OperationType)
	fmt.Fprintf(tw, "target\t%s/%s\n", item.TargetCollection, item.DocumentID)
	fmt.Fprintf(tw, "owner\t%s\n", item.OwnerID)
	fmt.Fprintf(tw, "priority\t%d\n", item.Priority)
	fmt.Fprintf(tw, "retries\t%d\n", item.RetryCount)
	if item.ParentOperationID != "" {
		fmt.Fprintf(tw, "step\t%d/%d of %s\n", item.StepNumber, item.TotalSteps, item.ParentOperationID)
	}
	if item.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", item.LastError)
	}
	fmt.Fprintf(tw, "next attempt\t%s\n", item.NextAttemptAt.Format(time.RFC3339))
	_ = tw.Flush()
}

func renderItems(w io.Writer, items []*queue.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no items")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tOWNER\tTARGET\tRETRIES\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\n",
			item.OperationID, item.OwnerID, item.TargetCollection, item.DocumentID, item.RetryCount, item.LastError)
	}
	_ = tw.Flush()
}

func renderConflicts(w io.Writer, conflicts []*models.ConflictLog) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "no conflicts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DETECTED\tOPERATION\tDOCUMENT\tVERSIONS\tRESOLUTION")
	for _, c := range conflicts {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d<%d\t%s\n",
			c.DetectedAtTime().Format(time.RFC3339), c.OperationID, c.Collection, c.DocumentID,
			c.LocalVersion, c.RemoteVersion, c.Resolution)
	}
	_ = tw.Flush()
}
