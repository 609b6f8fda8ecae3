package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

var hwaccelCmd = &cobra.Command{
	Use:   "hwaccel",
	Short: "Show hardware acceleration detected in ffmpeg",
	Long: `Run the same one-shot probe serve runs at startup and print the methods
ffmpeg lists together with the one that would be selected.`,
	RunE: runHWAccel,
}

func init() {
	rootCmd.AddCommand(hwaccelCmd)
}

func runHWAccel(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt := probeEncoder(ctx, cfg, slog.Default())
	if rt.binaries == nil {
		return fmt.Errorf("ffmpeg not found")
	}

	out := cmd.OutOrStdout()
	selected := rt.hwaccel.Selected
	if selected == "" {
		selected = "none (software)"
	}
	listed := strings.Join(rt.hwaccel.Listed, ", ")
	if listed == "" {
		listed = "-"
	}
	fmt.Fprintf(out, "ffmpeg:   %s (%s)\n", rt.binaries.FFmpegPath, rt.binaries.Version)
	fmt.Fprintf(out, "platform: %s\n", rt.hwaccel.Platform)
	fmt.Fprintf(out, "mode:     %s\n", cfg.FFmpeg.HWAccel)
	fmt.Fprintf(out, "listed:   %s\n", listed)
	fmt.Fprintf(out, "selected: %s\n", selected)
	return nil
}
