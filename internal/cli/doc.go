package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/sheetsync/internal/auth"
	"github.com/roach88/sheetsync/internal/broker"
	"github.com/roach88/sheetsync/internal/grid"
	"github.com/roach88/sheetsync/internal/store"
)

// DocOptions holds flags shared by the doc subcommands.
type DocOptions struct {
	*RootOptions
	Database string
}

// NewDocCommand creates the doc command group.
func NewDocCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Manage documents in the database",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(newDocCreateCommand(opts))
	cmd.AddCommand(newDocListCommand(opts))
	cmd.AddCommand(newDocGrantCommand(opts))
	cmd.AddCommand(newDocRevokeCommand(opts))
	cmd.AddCommand(newDocShowCommand(opts))
	cmd.AddCommand(newDocSetCommand(opts))
	return cmd
}

func newDocCreateCommand(opts *DocOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a document owned by an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(opts.Database)
			if err != nil {
				return err
			}
			defer closeStore(st)

			info, err := st.CreateDocument(cmd.Context(), args[0], owner)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create document", err)
			}
			return opts.formatter(cmd).Success(documentLine(info))
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "actor ID of the owner (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newDocListCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(opts.Database)
			if err != nil {
				return err
			}
			defer closeStore(st)

			docs, err := st.ListDocuments(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list documents", err)
			}
			out := make(documentList, len(docs))
			for i, d := range docs {
				out[i] = documentLine(d)
			}
			return opts.formatter(cmd).Success(out)
		},
	}
}

func newDocGrantCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <document> <actor> <owner|editor|viewer>",
		Short: "Give an actor a role on a document",
		Long: `Give an actor a role on a document, replacing any previous role.

A running server reads the ACL when it loads the document, so the change
applies to a document once every client has left it.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := auth.ParseRole(args[2])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid role", err)
			}
			st, err := opts.openStore(opts.Database)
			if err != nil {
				return err
			}
			defer closeStore(st)

			if err := st.GrantRole(cmd.Context(), args[0], args[1], role); err != nil {
				return storeError("failed to grant role", err)
			}
			return opts.formatter(cmd).Success(aclChange{Document: args[0], Actor: args[1], Role: role})
		},
	}
}

func newDocRevokeCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <document> <actor>",
		Short: "Remove an actor's role on a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(opts.Database)
			if err != nil {
				return err
			}
			defer closeStore(st)

			if err := st.RevokeRole(cmd.Context(), args[0], args[1]); err != nil {
				return storeError("failed to revoke role", err)
			}
			return opts.formatter(cmd).Success(aclChange{Document: args[0], Actor: args[1]})
		},
	}
}

func newDocShowCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document>",
		Short: "Print a document's cells and ACL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(opts.Database)
			if err != nil {
				return err
			}
			defer closeStore(st)

			doc, err := st.LoadDocument(cmd.Context(), args[0])
			if err != nil {
				return storeError("failed to load document", err)
			}
			return opts.formatter(cmd).Success(documentView(doc))
		},
	}
}

func newDocSetCommand(opts *DocOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "set <document> <cell> <value>",
		Short: "Write one cell through the broker",
		Long: `Write one cell as the given actor.

The write goes through the same path as a client edit: the actor's role is
checked, reference loops are rejected and dependent formulas are
recomputed before the result is saved. Do not use it on a database a
running server has open.

Example:
  sheetsync doc set 0192... B2 '=SUM(A1:A10)' --actor alice`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := grid.ParseA1(strings.ToUpper(args[1]))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid cell", err)
			}
			st, err := opts.openStore(opts.Database)
			if err != nil {
				return err
			}
			defer closeStore(st)

			d, err := applyLocal(cmd.Context(), st, broker.Mutation{
				DocumentID: args[0],
				ActorID:    actor,
				Row:        addr.Row,
				Col:        addr.Col,
				RawValue:   args[2],
			})
			if err != nil {
				f := opts.formatter(cmd)
				if code := broker.CodeOf(err); code != "" {
					f.Error(ErrCodeRejected, err.Error(), code)
					return WrapExitError(ExitFailure, "mutation rejected", err)
				}
				return storeError("failed to apply mutation", err)
			}
			return opts.formatter(cmd).Success(cellView(grid.Cell(d)))
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor ID making the edit (required)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// applyLocal runs a short-lived broker over st for one mutation.
func applyLocal(ctx context.Context, st *store.Store, m broker.Mutation) (broker.Delta, error) {
	doc, err := st.LoadDocument(ctx, m.DocumentID)
	if err != nil {
		return broker.Delta{}, err
	}
	b := broker.New(doc, st)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	defer func() {
		b.Stop()
		<-done
	}()
	return b.ApplyMutation(ctx, m)
}

func storeError(msg string, err error) error {
	if errors.Is(err, store.ErrDocumentNotFound) {
		return WrapExitError(ExitCommandError, "document not found", err)
	}
	return WrapExitError(ExitCommandError, msg, err)
}

type documentSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Revision  int64  `json:"revision"`
	CreatedAt string `json:"createdAt"`
}

func documentLine(info store.DocumentInfo) documentSummary {
	return documentSummary{
		ID:        info.ID,
		Name:      info.Name,
		Revision:  info.Revision,
		CreatedAt: info.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func (d documentSummary) String() string {
	return fmt.Sprintf("%s\t%s\trev %d", d.ID, d.Name, d.Revision)
}

type documentList []documentSummary

func (l documentList) String() string {
	if len(l) == 0 {
		return "no documents"
	}
	var b strings.Builder
	for i, d := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(d.String())
	}
	return b.String()
}

type aclChange struct {
	Document string    `json:"document"`
	Actor    string    `json:"actor"`
	Role     auth.Role `json:"role,omitempty"`
}

func (c aclChange) String() string {
	if c.Role == "" {
		return fmt.Sprintf("%s: %s removed", c.Document, c.Actor)
	}
	return fmt.Sprintf("%s: %s is %s", c.Document, c.Actor, c.Role)
}

type cellSummary struct {
	Cell     string `json:"cell"`
	Raw      string `json:"rawValue"`
	Display  string `json:"displayValue"`
	Revision int64  `json:"revision"`
}

func cellView(c grid.Cell) cellSummary {
	return cellSummary{Cell: c.Addr().String(), Raw: c.RawValue, Display: c.DisplayValue, Revision: c.Revision}
}

func (c cellSummary) String() string {
	return fmt.Sprintf("%s = %s (rev %d)", c.Cell, c.Display, c.Revision)
}

type documentDetail struct {
	documentSummary
	ACL   auth.ACL      `json:"acl"`
	Cells []cellSummary `json:"cells"`
}

func documentView(doc store.Document) documentDetail {
	d := documentDetail{documentSummary: documentLine(doc.DocumentInfo), ACL: doc.ACL}
	for _, c := range doc.Cells {
		d.Cells = append(d.Cells, cellView(c))
	}
	return d
}

func (d documentDetail) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, d.documentSummary.String())
	for _, actor := range slices.Sorted(maps.Keys(d.ACL)) {
		fmt.Fprintf(&b, "  %s: %s\n", actor, d.ACL[actor])
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CELL\tRAW\tDISPLAY\tREV")
	for _, c := range d.Cells {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Cell, c.Raw, c.Display, c.Revision)
	}
	tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}
