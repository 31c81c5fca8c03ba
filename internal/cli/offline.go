package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/sheetsync/internal/config"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/offline"
	"github.com/roach88/sheetsync/internal/transport"
)

// OfflineOptions holds flags shared by the offline subcommands.
type OfflineOptions struct {
	*RootOptions
	QueuePath string
}

// NewOfflineCommand creates the offline command group.
func NewOfflineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OfflineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Queue edits locally and replay them to a server",
		Long: `Queue cell edits while disconnected and replay them later.

Edits are kept in a local queue file in the order they were made. Replay
sends them to the server one by one; edits the server rejects are dropped,
and the queue stops at the first connection failure so nothing is lost.`,
	}
	cmd.PersistentFlags().StringVar(&opts.QueuePath, "queue", "", "path to the offline queue file (overrides config)")

	cmd.AddCommand(newOfflineEnqueueCommand(opts))
	cmd.AddCommand(newOfflineListCommand(opts))
	cmd.AddCommand(newOfflineReplayCommand(opts))
	return cmd
}

// openQueue resolves the queue path and opens it.
func (o *OfflineOptions) openQueue() (*offline.Queue, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	if o.QueuePath != "" {
		cfg.Offline.QueuePath = o.QueuePath
	}
	q, err := offline.Open(cfg.Offline.QueuePath)
	if err != nil {
		return nil, cfg, WrapExitError(ExitCommandError, "failed to open offline queue", err)
	}
	return q, cfg, nil
}

func newOfflineEnqueueCommand(opts *OfflineOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <document> <cell> <value>",
		Short: "Queue a cell edit for later replay",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := grid.ParseA1(strings.ToUpper(args[1]))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid cell", err)
			}
			q, _, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			seq, err := q.Enqueue(offline.PendingMutation{
				DocumentID: args[0],
				Row:        addr.Row,
				Col:        addr.Col,
				RawValue:   args[2],
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to enqueue", err)
			}
			return opts.formatter(cmd).Success(enqueued{Sequence: seq, Cell: addr.String()})
		},
	}
}

func newOfflineListCommand(opts *OfflineOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show queued edits in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			pending, err := q.Drain()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			return opts.formatter(cmd).Success(pendingList(pending))
		},
	}
}

func newOfflineReplayCommand(opts *OfflineOptions) *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Send queued edits to the server",
		Long: `Send queued edits to the server in order.

Connection failures are retried with exponential backoff. The command exits
with status 1 if edits are still queued when it gives up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cfg, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			if serverURL == "" {
				serverURL = cfg.Offline.ServerURL
			}
			if token == "" {
				token = cfg.Offline.Token
			}

			res, syncErr := offline.NewReplayer(q).Sync(cmd.Context(), transport.PoolDialer(serverURL, token))
			if err := opts.formatter(cmd).Success(replaySummary(res)); err != nil {
				return err
			}
			if syncErr != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("replay stopped with %d edits queued", res.Remaining), syncErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "WebSocket URL of the server (overrides config)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (overrides config)")
	return cmd
}

type enqueued struct {
	Sequence uint64 `json:"sequence"`
	Cell     string `json:"cell"`
}

func (e enqueued) String() string {
	return fmt.Sprintf("queued %s as #%d", e.Cell, e.Sequence)
}

type pendingList []offline.PendingMutation

func (l pendingList) String() string {
	if len(l) == 0 {
		return "queue is empty"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tDOCUMENT\tCELL\tVALUE\tQUEUED")
	for _, m := range l {
		addr := grid.Addr{Row: m.Row, Col: m.Col}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", m.LocalSequence, m.DocumentID, addr, m.RawValue,
			m.ClientTimestamp.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

type replaySummary offline.Result

func (r replaySummary) String() string {
	return fmt.Sprintf("applied %d, rejected %d, remaining %d", r.Applied, r.Rejected, r.Remaining)
}
