package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/strategy"
)

// replayCmd evaluates a file of questions, one per line
func replayCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Evaluate every question in a file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			questions, err := readQuestions(in)
			if err != nil {
				return err
			}

			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			s, err := c.Strategy()
			if err != nil {
				return err
			}
			results, err := replay(cmd.Context(), s, questions, concurrency)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(results)
			}

			counts := make(map[core.Action]int)
			for i, res := range results {
				counts[res.Action]++
				fmt.Printf("%s %-8s %-20s %s\n", actionIcon(res.Action), res.Action, res.Category, questions[i])
			}
			fmt.Printf("\n📊 %d questions: %d act, %d suggest, %d shadow, %d defer\n", len(results),
				counts[core.ActionAct], counts[core.ActionSuggest], counts[core.ActionShadow], counts[core.ActionDefer])
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "questions evaluated in parallel")
	return cmd
}

// readQuestions returns the non-empty, non-comment lines of r
func readQuestions(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// replay evaluates questions with bounded parallelism. Results keep the
// input order.
func replay(ctx context.Context, s strategy.DecisionStrategy, questions []string, concurrency int) ([]core.DecisionResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]core.DecisionResult, len(questions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, q := range questions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = s.Evaluate(ctx, q, "replay", nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
