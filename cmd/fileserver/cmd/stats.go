package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fileserver/pkg/protocol"
)

var (
	statsCount int
	statsWatch bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show live download statistics",
	Long: `Subscribes to the server statistics stream. By default one frame is
printed; use --count to print more or --watch to follow until interrupted.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().IntVarP(&statsCount, "count", "n", 1, "number of frames to print")
	statsCmd.Flags().BoolVarP(&statsWatch, "watch", "w", false, "print frames until interrupted")
}

type statsRow struct {
	protocol.StatsFrame `yaml:",inline"`
	Time                string `json:"time" yaml:"time"`
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	frames, errs := c.Subscribe(ctx)

	var rows []statsRow
	for statsWatch || len(rows) < statsCount {
		f, ok := <-frames
		if !ok {
			if err := <-errs; err != nil {
				return err
			}
			break
		}
		row := statsRow{Time: time.Now().Format("15:04:05"), StatsFrame: f}
		if statsWatch {
			if err := printFrames(cmd.OutOrStdout(), []statsRow{row}); err != nil {
				return err
			}
			continue
		}
		rows = append(rows, row)
	}
	stop()

	if statsWatch {
		return nil
	}
	return printFrames(cmd.OutOrStdout(), rows)
}

func printFrames(w io.Writer, rows []statsRow) error {
	if len(rows) == 1 {
		if done, err := printStructured(w, rows[0]); done {
			return err
		}
	} else if done, err := printStructured(w, rows); done {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Time", "Active Clients", "Most Downloaded", "Downloads")
	for _, r := range rows {
		table.Append(
			r.Time,
			strconv.Itoa(r.ActiveClients),
			r.MostDownloaded,
			fmt.Sprintf("%d", r.DownloadCount),
		)
	}
	table.Render()
	return nil
}
