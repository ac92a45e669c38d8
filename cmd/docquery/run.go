package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/docquery/internal/merge"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
	"github.com/kartikbazzad/docquery/internal/server"
)

type runFlags struct {
	filter       string
	orderBy      string
	desc         bool
	limit        int
	maxItems     int
	continuation string
	checkpoint   string
	splitAfter   int
	stats        bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run COLLECTION",
		Short: "Run a query and print matching documents as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runQuery(ctx, engine, args[0], f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.filter, "filter", "", "CEL predicate over doc, e.g. 'doc.price > 10'")
	cmd.Flags().StringVar(&f.orderBy, "order-by", "", "Field to sort by")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "Sort descending")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Stop after this many documents (0 = all)")
	cmd.Flags().IntVar(&f.maxItems, "max-items", 0, "Stop after one page of this many documents and print its continuation")
	cmd.Flags().StringVar(&f.continuation, "continuation", "", "Resume from a continuation token")
	cmd.Flags().StringVar(&f.checkpoint, "checkpoint", "", "Resume from and save to this named checkpoint")
	cmd.Flags().IntVar(&f.splitAfter, "split-after", 0, "Split every range after this many documents (emulator)")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "Print charge and row count to stderr")
	return cmd
}

func runQuery(ctx context.Context, engine *server.Engine, coll string, f runFlags, out, errOut io.Writer) error {
	spec := query.Spec{Filter: f.filter, Limit: f.limit}
	if f.orderBy != "" {
		spec.OrderBy = &query.OrderSpec{Field: f.orderBy, Asc: !f.desc}
	}

	cont := f.continuation
	if cont == "" {
		saved, err := engine.Resume(ctx, f.checkpoint)
		if err != nil {
			return err
		}
		cont = saved
	}

	stream, err := engine.Open(ctx, coll, spec, cont)
	if err != nil {
		return err
	}
	defer stream.Close()

	enc := json.NewEncoder(out)
	rows := 0
	for f.maxItems <= 0 || rows < f.maxItems {
		row, ok, err := stream.Next(ctx)
		if err != nil {
			saveErr := saveProgress(engine, stream, coll, f.checkpoint, rows)
			if saveErr != nil {
				return fmt.Errorf("%w (checkpoint not saved: %v)", err, saveErr)
			}
			return err
		}
		if !ok {
			break
		}
		if err := enc.Encode(json.RawMessage(row.Payload)); err != nil {
			return err
		}
		rows++
		if f.splitAfter > 0 && rows == f.splitAfter {
			if err := splitAll(ctx, engine, coll); err != nil {
				return err
			}
		}
	}

	if err := saveProgress(engine, stream, coll, f.checkpoint, rows); err != nil {
		return err
	}
	if f.maxItems > 0 {
		next, err := stream.Continuation()
		if err != nil {
			return err
		}
		if next != "" {
			fmt.Fprintln(errOut, "continuation:", next)
		}
	}
	if f.stats {
		fmt.Fprintf(errOut, "rows: %d charge: %.2f\n", rows, stream.Charge())
	}
	return nil
}

func saveProgress(engine *server.Engine, stream *merge.Stream, coll, name string, rows int) error {
	if name == "" {
		return nil
	}
	next, err := stream.Continuation()
	if err != nil {
		return err
	}
	// the caller's context may already be cancelled
	return engine.Checkpoint(context.Background(), name, coll, next, rows, stream.Charge())
}

func splitAll(ctx context.Context, engine *server.Engine, coll string) error {
	ranges, err := engine.Store().ReadRanges(ctx, coll)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if _, err := engine.Store().Split(coll, r.ID); err != nil {
			return fmt.Errorf("split %s: %w", r, err)
		}
	}
	return nil
}

func newRangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ranges COLLECTION",
		Short: "Print the key ranges of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			ranges, err := engine.Topology().Ranges(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			return printRanges(cmd.OutOrStdout(), ranges)
		},
	}
}

func printRanges(w io.Writer, ranges []routing.KeyRange) error {
	for _, r := range ranges {
		if _, err := fmt.Fprintf(w, "%s\t%q\t%q\n", r.ID, r.Min, r.MaxExclusive); err != nil {
			return err
		}
	}
	return nil
}
