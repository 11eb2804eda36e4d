package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
)

// filesCmd represents the files command
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List servable files",
	Long: `Lists the regular files under storage.root with their size, BLAKE3 digest
and download count. Counters are read from the configured store, so this only
shows persisted counts when store.type is sqlite or postgres.`,
	RunE: runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)
}

type fileRow struct {
	storage.FileInfo `yaml:",inline"`
	Downloads        int64 `json:"downloads" yaml:"downloads"`
}

func runFiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	root, err := storage.Prepare(cfg.Storage.Root)
	if err != nil {
		return err
	}
	files, err := root.List()
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}

	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	defer st.Close()
	counts, err := st.All()
	if err != nil {
		return fmt.Errorf("failed to read counters: %w", err)
	}

	rows := make([]fileRow, 0, len(files))
	for _, f := range files {
		rows = append(rows, fileRow{FileInfo: f, Downloads: counts[f.Name]})
	}

	out := cmd.OutOrStdout()
	if done, err := printStructured(out, rows); done {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintf(out, "No files in %s\n", root.Dir())
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Name", "Size", "Modified", "BLAKE3", "Downloads")
	for _, r := range rows {
		digest := r.Digest
		if len(digest) > 16 {
			digest = digest[:16]
		}
		table.Append(
			r.Name,
			strconv.FormatInt(r.Size, 10),
			r.ModTime.Format("2006-01-02 15:04"),
			digest,
			strconv.FormatInt(r.Downloads, 10),
		)
	}
	table.Render()
	fmt.Fprintf(out, "\nTotal files: %d\n", len(rows))
	return nil
}
