package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mp4proxy/internal/cache"
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Inspect a source and report whether it needs transcoding",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

type probeReport struct {
	URL             string  `json:"url"`
	CacheID         string  `json:"cacheId"`
	Format          string  `json:"format"`
	Codec           string  `json:"codec,omitempty"`
	Duration        float64 `json:"duration"`
	ShouldTranscode bool    `json:"shouldTranscode"`
	ProbeError      string  `json:"probeError,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	normalized, err := cache.Normalize(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt := probeEncoder(ctx, cfg, slog.Default())

	info, err := rt.prober.Inspect(ctx, normalized)
	report := probeReport{
		URL:             normalized,
		CacheID:         cache.KeyFor(normalized).String(),
		Format:          info.Format,
		Codec:           info.Codec,
		Duration:        info.Duration.Seconds(),
		ShouldTranscode: info.ShouldTranscode,
	}
	if err != nil {
		report.ProbeError = err.Error()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
