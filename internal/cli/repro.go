package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/txreplay/internal/control"
	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/txn"
	"github.com/vietddude/txreplay/internal/scenario"
)

var (
	naive     bool
	namespace string
	repeat    int
)

var reproCmd = &cobra.Command{
	Use:   "repro",
	Short: "Run the lookup-conflict scenario",
	Long: `Seeds two entities, then races a read-read transaction against a writer that
commits between the two reads. A correct client replays the reader once and
commits on the second attempt. With --naive the aborted read is resent in
place, which fails with INVALID_ARGUMENT on the first attempt.`,
	RunE: runRepro,
}

func init() {
	reproCmd.Flags().BoolVar(&naive, "naive", false, "retry the aborted read in place instead of replaying")
	reproCmd.Flags().StringVar(&namespace, "namespace", "", "namespace for the scenario keys (default bug-repro-<uuid>)")
	reproCmd.Flags().IntVar(&repeat, "repeat", 1, "number of runs")
	rootCmd.AddCommand(reproCmd)
}

func runRepro(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.Stop(shutdownCtx); err != nil {
			slog.Error("Error during shutdown", "error", err)
		}
	}()

	var failed error
	for i := 0; i < repeat; i++ {
		ns := namespace
		if ns != "" && repeat > 1 {
			ns = fmt.Sprintf("%s-%d", namespace, i+1)
		}
		out, err := app.Scenario(ns, naive).Run(ctx)
		if err != nil {
			slog.Error("Scenario failed", "error", err)
			return err
		}
		printOutcome(out)

		verr := out.Verify()
		switch {
		case naive && out.BugReproduced():
			slog.Info("Bug reproduced: the aborted read was retried in place", "attempts", out.Attempts())
		case naive:
			slog.Warn("Bug not reproduced", "attempts", out.Attempts(), "error", out.T1Err)
			failed = fmt.Errorf("run %d: bug not reproduced", i+1)
		case verr != nil:
			slog.Error("Verification failed", "error", verr)
			failed = verr
		default:
			slog.Info("Verified: t1 replayed and committed", "attempts", out.Attempts())
		}
	}
	return failed
}

func printOutcome(out *scenario.Outcome) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "NAMESPACE\t%s\n", out.Namespace)
	_, _ = fmt.Fprintln(w, "ATTEMPT\tTX\tBACKOFF\tRESULT")
	if out.T1 != nil {
		for _, a := range out.T1.Attempts {
			result := "committed"
			if a.Failure != nil {
				c := cause.Parse(a.Failure.Cause)
				result = fmt.Sprintf("%s (%s: %s)", a.Failure.Class, c.Code, c.Reason)
			} else if !a.Committed {
				result = "body error"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.Number, a.TxID, a.Backoff, result)
		}
	}
	if out.T1Err != nil {
		_, _ = fmt.Fprintf(w, "T1 ERROR\t%s\t%s\n", txn.ClassOf(out.T1Err), out.T1Err)
	}
	for _, e := range out.Final {
		_, _ = fmt.Fprintf(w, "ENTITY\t%s\t%v\n", e.Key, e.Properties)
	}
	_ = w.Flush()
}
