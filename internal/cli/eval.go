package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sheetsync/internal/depgraph"
	"github.com/roach88/sheetsync/internal/formula"
	"github.com/roach88/sheetsync/internal/grid"
)

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	*RootOptions
	Cells []string
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate a formula against a scratch grid",
		Long: `Evaluate a formula against cells given on the command line.

The expression may be written with or without its leading "=". Cells are
given as A1=value and may themselves hold formulas; they are evaluated in
dependency order first. Cells in a reference loop show #ERROR!.

Example:
  sheetsync eval 'SUM(A1:A3)/2' --cell A1=1 --cell A2=2 --cell A3==A1+A2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringArrayVar(&opts.Cells, "cell", nil, "cell value as A1=value (repeatable)")
	return cmd
}

type evalResult struct {
	Expression string   `json:"expression"`
	Value      string   `json:"value"`
	References []string `json:"references,omitempty"`
	Error      bool     `json:"error,omitempty"`
}

func (r evalResult) String() string {
	return r.Value
}

func runEval(cmd *cobra.Command, opts *EvalOptions, expr string) error {
	sheet, err := scratchGrid(opts.Cells)
	if err != nil {
		return err
	}

	expr = strings.TrimPrefix(strings.TrimSpace(expr), grid.FormulaPrefix)
	parsed := formula.Parse(expr)
	res := parsed.Eval(sheet)
	slog.Debug("evaluated", "expr", expr, "result", res.String(), "cells", sheet.Len())

	out := evalResult{Expression: grid.FormulaPrefix + expr, Value: res.String(), Error: res.IsError()}
	for _, ref := range parsed.References() {
		out.References = append(out.References, ref.String())
	}
	if err := opts.formatter(cmd).Success(out); err != nil {
		return err
	}
	if res.IsError() {
		return NewExitError(ExitFailure, "formula evaluated to "+res.String())
	}
	return nil
}

// scratchGrid builds an in-memory grid from A1=value pairs, evaluating
// formula cells the same way a broker does on load.
func scratchGrid(pairs []string) (*grid.Store, error) {
	sheet := grid.New()
	graph := depgraph.New()
	exprs := make(map[grid.Addr]*formula.Expr)

	for _, p := range pairs {
		ref, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --cell %q: want A1=value", p))
		}
		addr, err := grid.ParseA1(strings.ToUpper(strings.TrimSpace(ref)))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --cell "+p, err)
		}
		c := grid.NewCell(addr, raw, nil)
		if c.IsFormula() {
			e := formula.Parse(c.Formula)
			exprs[addr] = e
			graph.SetDependencies(addr, e.References())
		}
		sheet.Set(c)
	}

	for _, cyc := range graph.Cycles() {
		slog.Warn("reference loop", "path", cyc.String())
		for _, a := range cyc.Members {
			c := sheet.Get(a)
			c.DisplayValue = string(formula.ErrSyntax)
			sheet.Set(c)
			delete(exprs, a)
		}
	}

	nodes := make([]grid.Addr, 0, len(exprs))
	for a := range exprs {
		nodes = append(nodes, a)
	}
	for _, a := range graph.Order(nodes) {
		c := sheet.Get(a)
		c.DisplayValue = exprs[a].Eval(sheet).String()
		sheet.Set(c)
	}
	return sheet, nil
}
