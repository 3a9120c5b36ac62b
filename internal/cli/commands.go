package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	syncpkg "github.com/Zozz7777/Clutchplatform-sub014/internal/sync"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/uuid"
)

// withApp loads config, opens the app, runs fn and maps its error to an exit
// code. These commands work on the local store directly and are meant for a
// device where the run command is not active; use the status API otherwise.
func withApp(cmd *cobra.Command, opts *RootOptions, needServer bool, fn func(ctx context.Context, a *app, out *Output) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts, needServer, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := fn(ctx, a, out); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		if opts.Format == "json" {
			out.Error(err)
		}
		return WrapExitError(ExitFailure, cmd.Name()+" failed", err)
	}
	return nil
}

// =====================================================
// sync
// =====================================================

// NewSyncCommand creates the sync command: one flush and pull, then exit.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued operations and pull server changes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app, out *Output) error {
				warnTokenExpiry(a.cfg)
				res, err := a.engine.Sync(ctx)
				if err != nil {
					return err
				}
				return out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "Pushed %d, resolved %d, suspended %d, failed %d, held %d\n",
						res.Flush.Pushed, res.Flush.Resolved, res.Flush.Suspended, res.Flush.Failed, res.Flush.Held)
					fmt.Fprintf(w, "Pulled %d changes (%d skipped, %d errors) in %s\n",
						res.Pull.Applied, res.Pull.Skipped, res.Pull.Errors, res.Duration.Round(time.Millisecond))
				})
			})
		},
	}
}

// =====================================================
// status
// =====================================================

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, open conflicts and the pull cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app, out *Output) error {
				st, err := a.engine.Status(ctx)
				if err != nil {
					return err
				}
				return out.Success(st, func(w io.Writer) { printStatus(w, st) })
			})
		},
	}
}

func printStatus(w io.Writer, st *syncpkg.EngineStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Strategy:\t%s\n", st.Strategy)
	fmt.Fprintf(tw, "Cursor:\t%s\n", formatMillis(st.Cursor))
	fmt.Fprintf(tw, "Open conflicts:\t%d\n", st.ActiveConflicts)
	for _, s := range []models.OperationStatus{
		models.StatusPending, models.StatusProcessing, models.StatusConflict, models.StatusFailed, models.StatusCompleted,
	} {
		fmt.Fprintf(tw, "%s:\t%d\n", capitalize(string(s)), st.Operations[string(s)])
	}
	fmt.Fprintf(tw, "Total:\t%d\n", st.Operations["total"])
	tw.Flush()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// =====================================================
// operations
// =====================================================

// NewOperationsCommand creates the operations command.
func NewOperationsCommand(opts *RootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "operations [operation-id]",
		Short: "List queued operations, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := models.OperationStatus(status)
			if st != "" && !st.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", status))
			}
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			var id models.UUID
			if len(args) == 1 {
				parsed, err := uuid.ParseOperationID(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid operation id", err)
				}
				id = parsed
			}

			return withApp(cmd, opts, false, func(ctx context.Context, a *app, out *Output) error {
				if id != "" {
					op, err := a.engine.Operation(ctx, id)
					if err != nil {
						return err
					}
					return out.Success(op, func(w io.Writer) { printOperation(w, op) })
				}
				ops, err := a.engine.Operations(ctx, st, limit)
				if err != nil {
					return err
				}
				return out.Success(ops, func(w io.Writer) { printOperations(w, ops) })
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|completed|failed|conflict)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of operations to list")
	return cmd
}

func printOperations(w io.Writer, ops []*models.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "No operations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tENTITY\tKEY\tTYPE\tSTATUS\tRETRIES")
	for _, op := range ops {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			op.Seq, op.OperationID, op.EntityType, op.EntityID, op.OperationType, op.Status, op.RetryCount)
	}
	tw.Flush()
}

func printOperation(w io.Writer, op *models.Operation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", op.OperationID)
	fmt.Fprintf(tw, "Entity:\t%s %s\n", op.EntityType, op.EntityID)
	fmt.Fprintf(tw, "Type:\t%s\n", op.OperationType)
	fmt.Fprintf(tw, "Status:\t%s\n", op.Status)
	fmt.Fprintf(tw, "Retries:\t%d\n", op.RetryCount)
	if op.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", op.LastError)
	}
	fmt.Fprintf(tw, "Timestamp:\t%s\n", formatMillis(op.Timestamp))
	fmt.Fprintf(tw, "Data:\t%s\n", op.Data)
	tw.Flush()
}

// =====================================================
// conflicts / resolve
// =====================================================

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts [operation-id]",
		Short: "List conflicts awaiting manual resolution, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id models.UUID
			if len(args) == 1 {
				parsed, err := uuid.ParseOperationID(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid operation id", err)
				}
				id = parsed
			}

			return withApp(cmd, opts, false, func(ctx context.Context, a *app, out *Output) error {
				if id != "" {
					c, err := a.engine.Conflict(ctx, id)
					if err != nil {
						return err
					}
					return out.Success(c, func(w io.Writer) { printConflict(w, c) })
				}
				list := a.engine.Conflicts()
				return out.Success(list, func(w io.Writer) { printConflicts(w, list) })
			})
		},
	}
}

func printConflicts(w io.Writer, list []*models.Conflict) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No open conflicts.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tENTITY\tKEY\tLOCAL\tSERVER")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.OperationID, c.EntityType, c.EntityID, formatMillis(c.LocalTimestamp), formatMillis(c.ServerTimestamp))
	}
	tw.Flush()
}

func printConflict(w io.Writer, c *models.Conflict) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Operation:\t%s\n", c.OperationID)
	fmt.Fprintf(tw, "Entity:\t%s %s\n", c.EntityType, c.EntityID)
	fmt.Fprintf(tw, "Resolution:\t%s\n", c.Resolution)
	fmt.Fprintf(tw, "Local (%s):\t%s\n", formatMillis(c.LocalTimestamp), c.LocalData)
	fmt.Fprintf(tw, "Server (%s):\t%s\n", formatMillis(c.ServerTimestamp), c.ServerData)
	tw.Flush()
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var resolution, data string

	cmd := &cobra.Command{
		Use:   "resolve <operation-id>",
		Short: "Resolve a suspended conflict",
		Long: `Resolve finishes a conflict held for manual resolution.

  local_wins   force-push the local version to the server
  server_wins  apply the server version locally and drop the local change
  merged       apply --data locally and force-push it`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.ParseOperationID(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid operation id", err)
			}
			res := models.Resolution(resolution)
			if !res.Final() {
				return NewExitError(ExitCommandError, "--resolution must be local_wins, server_wins or merged")
			}
			merged, err := readData(data, cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read --data", err)
			}

			return withApp(cmd, opts, true, func(ctx context.Context, a *app, out *Output) error {
				c, err := a.engine.ResolveManually(ctx, id, res, merged)
				if err != nil {
					return err
				}
				return out.Success(c, func(w io.Writer) {
					fmt.Fprintf(w, "Resolved %s as %s\n", c.OperationID, c.Resolution)
				})
			})
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", "", "local_wins, server_wins or merged")
	cmd.Flags().StringVar(&data, "data", "", "merged entity JSON, @file to read a file, or - for stdin")
	cmd.MarkFlagRequired("resolution")
	return cmd
}

// readData resolves a JSON flag value: inline, @path or - for r.
func readData(v string, r io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case v == "":
		return nil, nil
	case v == "-":
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		raw = b
	case strings.HasPrefix(v, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(v, "@"))
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		raw = []byte(v)
	}
	if !json.Valid(raw) {
		return nil, apperrors.New(apperrors.ErrInvalid, "data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// =====================================================
// retry / enqueue
// =====================================================

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Return failed operations to the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "give either an operation id or --all")
			}
			var id models.UUID
			if len(args) == 1 {
				parsed, err := uuid.ParseOperationID(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid operation id", err)
				}
				id = parsed
			}

			return withApp(cmd, opts, false, func(ctx context.Context, a *app, out *Output) error {
				if all {
					n, err := a.engine.RetryAllFailed(ctx)
					if err != nil {
						return err
					}
					return out.Success(map[string]int{"retried": n}, func(w io.Writer) {
						fmt.Fprintf(w, "Requeued %d failed operations\n", n)
					})
				}
				if err := a.engine.Retry(ctx, id); err != nil {
					return err
				}
				return out.Success(map[string]string{"operation_id": string(id)}, func(w io.Writer) {
					fmt.Fprintf(w, "Requeued %s\n", id)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every failed operation")
	return cmd
}

// NewEnqueueCommand creates the enqueue command. The operation is stored and
// delivered by the next sync.
func NewEnqueueCommand(opts *RootOptions) *cobra.Command {
	var entity, opType, data, id string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a local change for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			et := models.EntityType(entity)
			if !et.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown entity type %q", entity))
			}
			ot := models.OperationType(opType)
			if !ot.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown operation type %q", opType))
			}
			payload, err := readData(data, cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read --data", err)
			}
			if payload == nil {
				return NewExitError(ExitCommandError, "--data is required")
			}

			return withApp(cmd, opts, false, func(ctx context.Context, a *app, out *Output) error {
				op, err := a.engine.Enqueue(ctx, &models.Operation{
					OperationID:   models.UUID(id),
					EntityType:    et,
					OperationType: ot,
					Data:          payload,
				})
				if err != nil {
					return err
				}
				return out.Success(op, func(w io.Writer) {
					fmt.Fprintf(w, "Enqueued %s (%s %s %s)\n", op.OperationID, op.OperationType, op.EntityType, op.EntityID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "entity type (order|product|payment|customer)")
	cmd.Flags().StringVar(&opType, "type", "", "operation type (create|update|delete|sync)")
	cmd.Flags().StringVar(&data, "data", "", "entity JSON, @file to read a file, or - for stdin")
	cmd.Flags().StringVar(&id, "id", "", "operation id (generated when empty)")
	cmd.MarkFlagRequired("entity")
	cmd.MarkFlagRequired("type")
	return cmd
}
