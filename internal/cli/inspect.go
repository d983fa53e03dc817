package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vietddude/txreplay/internal/control"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <namespace>",
	Short: "List committed entities in a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Server.Port = 0

	ctx := context.Background()
	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	defer app.Close()

	entities, err := app.Backend().Snapshot(ctx, args[0])
	if err != nil {
		slog.Error("Failed to list entities", "error", err)
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "KIND\tNAME\tPROPERTIES")
	for _, e := range entities {
		props := make([]string, 0, len(e.Properties))
		for k, v := range e.Properties {
			props = append(props, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(props)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key.Kind, e.Key.Name, strings.Join(props, " "))
	}
	return w.Flush()
}
