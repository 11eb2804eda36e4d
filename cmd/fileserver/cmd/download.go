package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var downloadOutput string

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download <name>",
	Short: "Download a file from the server",
	Long: `Requests <name> from the file server and writes it to stdout, or to the
file given with -O. Use -O . to keep the remote name in the current directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVarP(&downloadOutput, "out", "O", "", "write to this file instead of stdout")
}

func runDownload(cmd *cobra.Command, args []string) error {
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

	name := args[0]
	w := cmd.OutOrStdout()
	var path string
	if downloadOutput != "" {
		path = downloadOutput
		if path == "." {
			path = filepath.Base(name)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}

	n, err := c.Download(ctx, name, w)
	if err != nil {
		if path != "" {
			os.Remove(path)
		}
		return err
	}
	if path != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Downloaded %s (%d bytes) to %s\n", name, n, path)
	}
	return nil
}
