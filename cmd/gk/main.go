// Gatekeeper CLI - evaluate decisions and inspect trust from the terminal.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quantumlife/gatekeeper/internal/app"
	"github.com/quantumlife/gatekeeper/internal/config"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/prediction"
)

var (
	// Config
	configPath string
	dataDir    string
	jsonOut    bool

	// Version
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gk",
		Short: "Gatekeeper - trust-gated decisions for autonomous agents",
		Long: `Gatekeeper decides whether an agent may act on its own, should
suggest an action to a human, or should only observe.

Trust is earned per category from human feedback and lost on
rejection streaks or anomalous classifier confidence.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (.json, .toml, .yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON")

	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(thompsonCmd())
	rootCmd.AddCommand(calibrateCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(accuracyCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openContainer loads config and builds a container. The CLI logs only
// warnings so command output stays readable.
func openContainer() (*app.Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.Storage.Path = filepath.Join(dataDir, "gatekeeper.db")
	}
	level := cfg.Logging.Level
	if level == "" || level == "info" || level == "debug" {
		level = "warn"
	}
	if err := logging.Init(logging.Config{Level: level, Format: cfg.Logging.Format, Output: os.Stderr}); err != nil {
		return nil, err
	}
	return app.New(cfg), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func actionIcon(a core.Action) string {
	switch a {
	case core.ActionAct:
		return "✅"
	case core.ActionSuggest:
		return "💡"
	case core.ActionDefer:
		return "⏸️ "
	default:
		return "👀"
	}
}

// evaluateCmd gates one question
func evaluateCmd() *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "evaluate [question]",
		Short: "Evaluate a decision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			s, err := c.Strategy()
			if err != nil {
				return err
			}
			res := s.Evaluate(cmd.Context(), strings.Join(args, " "), sender, nil)
			if jsonOut {
				return printJSON(res)
			}

			fmt.Printf("%s %s\n", actionIcon(res.Action), strings.ToUpper(string(res.Action)))
			if res.Value != nil {
				fmt.Printf("   Value: %s\n", *res.Value)
			}
			fmt.Printf("   Category: %s (confidence %.2f)\n", res.Category, res.Confidence)
			fmt.Printf("   Trust level: %d (%s mode)\n", res.TrustLevel, res.Mode)
			fmt.Printf("   Reason: %s\n", res.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "sender ID")
	return cmd
}

// outcomeCmd records human feedback for a category
func outcomeCmd() *cobra.Command {
	var confidence float64
	cmd := &cobra.Command{
		Use:   "outcome [category] [success|rejected|partial]",
		Short: "Record the outcome of a decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := core.ParseOutcome(args[1])
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
			tr, err := s.RecordOutcome(args[0], confidence, outcome)
			if err != nil {
				return err
			}
			if err := c.SaveTrust(cmd.Context()); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(tr)
			}
			if tr.Changed() {
				fmt.Printf("📈 %s %s: level %d → %d\n", tr.Category, tr.Direction, tr.From, tr.To)
				if tr.Reason != "" {
					fmt.Printf("   Reason: %s\n", tr.Reason)
				}
			} else {
				fmt.Printf("✅ Recorded %s for %s (level %d)\n", outcome, args[0], tr.To)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "classifier confidence of the decision")
	return cmd
}

// predictCmd predicts the answer to a notification
func predictCmd() *cobra.Command {
	var id, responseType string
	cmd := &cobra.Command{
		Use:   "predict [message]",
		Short: "Predict a human's answer to a notification",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			e, err := c.Prediction()
			if err != nil {
				return err
			}
			res := e.Predict(cmd.Context(), core.Notification{
				ID:           id,
				Message:      strings.Join(args, " "),
				ResponseType: core.ResponseType(responseType),
			})
			if jsonOut {
				return printJSON(res)
			}

			if res.Strategy == prediction.StrategyColdStart {
				fmt.Printf("🧊 Cold start: %s\n", res.ColdStartReason())
				fmt.Printf("   Category: %s\n", res.Category)
				return nil
			}
			fmt.Printf("🔮 %s (confidence %.2f from %d similar cases)\n", *res.PredictedValue, res.Confidence, res.SimilarCaseCount)
			if res.PredictedQualifier != nil {
				fmt.Printf("   Qualifier: %s\n", *res.PredictedQualifier)
			}
			fmt.Printf("   Category: %s\n", res.Category)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "notification ID (logs the prediction when set)")
	cmd.Flags().StringVar(&responseType, "type", string(core.ResponseYesNo), "response type")
	return cmd
}

// trustCmd lists trust per category
func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Show trust levels per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			s, err := c.Strategy()
			if err != nil {
				return err
			}
			snaps := s.TrustSnapshot()
			if jsonOut {
				return printJSON(snaps)
			}

			fmt.Printf("🛡️  Trust (%s mode)\n\n", s.Mode())
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "   CATEGORY\tLEVEL\tCAP\tDECISIONS\tSUCCESS\tSTREAK")
			for _, snap := range snaps {
				fmt.Fprintf(w, "   %s\t%d\t%d\t%d\t%.0f%%\t+%d/-%d\n",
					snap.Name, snap.TrustLevel, snap.CapLevel, snap.TotalDecisions,
					snap.SuccessRate()*100, snap.ConsecutiveSuccesses, snap.ConsecutiveFailures)
			}
			return w.Flush()
		},
	}
}

// thompsonCmd prints the Beta posterior per category
func thompsonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thompson",
		Short: "Show Thompson sampling diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			s, err := c.Strategy()
			if err != nil {
				return err
			}
			stats := s.ThompsonDiagnostics()
			if jsonOut {
				return printJSON(stats)
			}

			names := make([]string, 0, len(stats))
			for name := range stats {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tALPHA\tBETA\tMEAN\tP(ACT)\tP(SUGGEST)\tP(SHADOW)")
			for _, name := range names {
				st := stats[name]
				fmt.Fprintf(w, "%s\t%.0f\t%.0f\t%.2f\t%.2f\t%.2f\t%.2f\n",
					name, st.Alpha, st.Beta, st.MeanRate, st.PAct, st.PSuggest, st.PShadow)
			}
			return w.Flush()
		},
	}
}

// calibrateCmd fits the conformal threshold
func calibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate the conformal wrapper from trust history",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			s, err := c.Strategy()
			if err != nil {
				return err
			}
			points, err := s.CalibrateConformal()
			if err != nil {
				return err
			}
			st := s.ConformalStatus()
			if jsonOut {
				return printJSON(st)
			}
			fmt.Printf("🎯 Calibrated on %d points\n", points)
			fmt.Printf("   Alpha: %.2f\n", st.Alpha)
			fmt.Printf("   Threshold: %.4f\n", st.Threshold)
			return nil
		},
	}
}

// accuracyCmd prints the prediction accuracy summary
func accuracyCmd() *cobra.Command {
	var window int
	var category, responseType string
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Show prediction accuracy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			e, err := c.Prediction()
			if err != nil {
				return err
			}
			sum := e.AccuracySummary(cmd.Context(), window, category, responseType)
			if jsonOut {
				return printJSON(sum)
			}
			if sum.Error != "" {
				return fmt.Errorf("accuracy summary: %s", sum.Error)
			}

			fmt.Printf("📊 Prediction accuracy (last %d days)\n\n", sum.WindowDays)
			fmt.Printf("   Predictions: %d (%d cold starts)\n", sum.Predictions, sum.ColdStarts)
			fmt.Printf("   Resolved: %d\n", sum.Resolved)
			fmt.Printf("   Matched: %d (%.0f%%)\n", sum.Matched, sum.Accuracy*100)
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", 30, "window in days")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&responseType, "type", "", "filter by response type")
	return cmd
}

// ledgerCmd inspects the audit ledger
func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Audit ledger operations",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			l, err := c.Ledger()
			if err != nil {
				return err
			}
			if l == nil {
				fmt.Println("❌ Ledger is disabled in config.")
				return nil
			}
			sum, err := l.GetSummary(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(sum)
			}
			if !sum.ChainValid {
				fmt.Printf("❌ Chain broken: %s\n", sum.ChainError)
				return fmt.Errorf("ledger verification failed")
			}
			fmt.Printf("✅ Chain valid (%d entries)\n", sum.TotalEntries)
			if sum.Signed {
				fmt.Println("   🔏 Signatures: ML-DSA-65")
			}
			return nil
		},
	}

	cmd.AddCommand(verifyCmd)
	return cmd
}

// versionCmd shows version
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show gatekeeper version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatekeeper %s\n", version)
		},
	}
}
