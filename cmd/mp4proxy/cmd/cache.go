package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jmylchreest/mp4proxy/internal/cache"
	"github.com/jmylchreest/mp4proxy/pkg/bytesize"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the transcode cache",
	Long: `Commands operating directly on the cache directory. They take the
cache lock, so they fail while a server is running against the same
directory; use the /cache-info and /clear-cache endpoints instead.`,
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached artifacts, oldest first",
	RunE:  runCacheLs,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached artifact",
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheLsCmd, cacheClearCmd)

	// serve binds cache.dir to its own flag; viper keeps one flag per key.
	cacheCmd.PersistentFlags().String("cache-dir", "", "Cache directory (default <tmp>/mp4proxy-cache)")
}

// openCacheStore opens the store honouring an explicit --cache-dir.
func openCacheStore(cmd *cobra.Command) (*cache.Store, error) {
	if flag := cmd.Flags().Lookup("cache-dir"); flag != nil && flag.Changed {
		viper.Set("cache.dir", flag.Value.String())
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := openStore(cfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return store, nil
}

func runCacheLs(cmd *cobra.Command, _ []string) error {
	store, err := openCacheStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Scan()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderEntries(entries, time.Now()))
	fmt.Fprintf(cmd.OutOrStdout(), "%d entries in %s (window size %d)\n",
		len(entries), store.Dir(), store.WindowSize())
	return nil
}

// renderEntries formats entries as a table, newest last.
func renderEntries(entries []cache.Entry, now time.Time) string {
	printer := message.NewPrinter(language.English)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Cache ID", "Size", "Bytes", "Age", "Modified"})

	var total int64
	for _, e := range entries {
		total += e.Size
		tw.AppendRow(table.Row{
			e.Key.String(),
			bytesize.Format(bytesize.Size(e.Size)),
			printer.Sprintf("%d", e.Size),
			now.Sub(e.RecordedAt).Truncate(time.Second).String(),
			e.RecordedAt.Format(time.RFC3339),
		})
	}
	tw.AppendFooter(table.Row{"", bytesize.Format(bytesize.Size(total)), printer.Sprintf("%d", total), "", ""})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 3, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	return tw.Render()
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	store, err := openCacheStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.ClearAll()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d files, freed %s\n",
		result.Removed, bytesize.Format(bytesize.Size(result.Freed)))
	return nil
}
