package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
	"github.com/jmylchreest/mp4proxy/internal/version"
)

var (
	versionJSON   bool
	versionFFmpeg bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mp4proxy build and, optionally, the ffmpeg it would use",
	Long: `Print the mp4proxy build: version, commit, build date and the User-Agent
sent when fetching sources.

With --ffmpeg the configured ffmpeg and ffprobe are located the same way serve
does and their version is added, which is usually the first thing to check
when transcodes fail.`,
	RunE: runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output as JSON")
	versionCmd.Flags().BoolVar(&versionFFmpeg, "ffmpeg", false, "also locate ffmpeg and report its version")
	rootCmd.AddCommand(versionCmd)
}

// versionReport is the --json form of the version command.
type versionReport struct {
	version.Info
	UserAgent string           `json:"user_agent"`
	FFmpeg    *ffmpeg.Binaries `json:"ffmpeg,omitempty"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	report := versionReport{Info: version.GetInfo(), UserAgent: version.UserAgent()}

	if versionFFmpeg {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		// a missing ffmpeg is reported, not an error
		report.FFmpeg, _ = ffmpeg.Locate(ctx, cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	}

	out, err := renderVersion(report, versionJSON, versionFFmpeg)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func renderVersion(r versionReport, asJSON, withFFmpeg bool) (string, error) {
	if asJSON {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding version: %w", err)
		}
		return string(data), nil
	}

	var b strings.Builder
	b.WriteString(version.String())
	fmt.Fprintf(&b, "\nuser agent: %s", r.UserAgent)
	if !withFFmpeg {
		return b.String(), nil
	}
	if r.FFmpeg == nil {
		b.WriteString("\nffmpeg:     not found")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "\nffmpeg:     %s (%s)", r.FFmpeg.FFmpegPath, r.FFmpeg.Version)
	ffprobe := r.FFmpeg.FFprobePath
	if ffprobe == "" {
		ffprobe = "not found, probing and progress totals unavailable"
	}
	fmt.Fprintf(&b, "\nffprobe:    %s", ffprobe)
	return b.String(), nil
}
