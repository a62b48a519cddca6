package tasks

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/job"
)

// TypeFetch is the task type tag for single-item retrieval.
const TypeFetch = "media.fetch"

// FetchPayload describes a single remote retrieval.
type FetchPayload struct {
	// URL is the source location handed to the fetch tool.
	URL string `json:"url" validate:"required,url"`

	// Quality selects the format preference. Empty means the tool default.
	Quality string `json:"quality,omitempty" validate:"omitempty,oneof=best worst"`

	// OutputDir overrides the configured output directory.
	OutputDir string `json:"output_dir,omitempty"`
}

// FetchResult is persisted as the job result on success.
type FetchResult struct {
	OutputPath string `json:"output_path"`
	SizeBytes  int64  `json:"size_bytes"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// FetchConfig configures the external retrieval tool.
type FetchConfig struct {
	// Tool is the fetch binary. Defaults to "yt-dlp".
	Tool string

	// BaseArgs are prepended to every invocation.
	BaseArgs []string

	// OutputDir is where fetched files land unless the payload overrides it.
	OutputDir string

	// KillGrace is how long the tool gets after SIGTERM before SIGKILL.
	KillGrace time.Duration

	// MaxRetries overrides the retry limit for fetch jobs. Zero means
	// the engine's configured default.
	MaxRetries int
}

func (c *FetchConfig) defaults() {
	if c.Tool == "" {
		c.Tool = "yt-dlp"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 15 * time.Second
	}
}

// DefaultFetchConfig derives tool settings from the engine
// configuration, so CONVEYOR_KILL_GRACE and CONVEYOR_MAX_RETRIES reach
// the fetch tool without per-field wiring.
func DefaultFetchConfig(cfg conveyor.Config) FetchConfig {
	return FetchConfig{
		KillGrace:  cfg.KillGrace,
		MaxRetries: cfg.MaxRetries,
	}
}

// NewFetch returns the task definition for single-item retrieval.
func NewFetch(cfg FetchConfig, logger *slog.Logger) *job.Definition[FetchPayload] {
	cfg.defaults()
	return job.NewDefinition(TypeFetch,
		func(ctx context.Context, rt *job.Runtime, p FetchPayload) error {
			res, err := runFetch(ctx, cfg, p, logger, func(pct float64) {
				rt.Progress(ctx, pct, "downloading")
			})
			if err != nil {
				return err
			}
			return rt.SetResult(res)
		},
		job.WithQueue("fetch"),
		job.WithMaxRetries(cfg.MaxRetries),
	)
}

// downloadProgressRe matches the tool's periodic progress lines, e.g.
// "[download]  42.1% of 120.5MiB at 2.1MiB/s".
var downloadProgressRe = regexp.MustCompile(`\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)

// destinationRe captures the output path announced by the tool.
var destinationRe = regexp.MustCompile(`\[(?:download|Merger)\]\s+(?:Destination:\s+|Merging formats into ")(.+?)"?$`)

// permanentMarkers are stderr substrings that indicate the source itself
// is broken and a retry cannot help.
var permanentMarkers = []string{
	"Unsupported URL",
	"Video unavailable",
	"Private video",
	"HTTP Error 404",
	"HTTP Error 410",
	"This video is not available",
}

// runFetch invokes the fetch tool for one item, streaming progress
// through onProgress. Shared by the single and batch fetch handlers.
func runFetch(ctx context.Context, cfg FetchConfig, p FetchPayload, logger *slog.Logger, onProgress func(float64)) (*FetchResult, error) {
	outDir := p.OutputDir
	if outDir == "" {
		outDir = cfg.OutputDir
	}

	args := make([]string, 0, len(cfg.BaseArgs)+6)
	args = append(args, cfg.BaseArgs...)
	args = append(args, "--newline")
	if p.Quality != "" {
		args = append(args, "-f", p.Quality)
	}
	if outDir != "" {
		args = append(args, "-P", outDir)
	}
	args = append(args, p.URL)

	cmd := exec.CommandContext(ctx, cfg.Tool, args...)
	// Give the tool a chance to clean up partial files before the hard kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cfg.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.New(fault.ClassTransient, "fetch_spawn", "open stdout pipe: %v", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.ClassPermanent, "fetch_tool_missing", err)
	}

	// Scan progress lines off stdout in a separate goroutine so a stalled
	// pipe never blocks Wait.
	outputPath := make(chan string, 1)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		var lastPath string
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if m := downloadProgressRe.FindStringSubmatch(line); m != nil {
				if pct, perr := strconv.ParseFloat(m[1], 64); perr == nil {
					onProgress(pct)
				}
				continue
			}
			if m := destinationRe.FindStringSubmatch(line); m != nil {
				lastPath = m[1]
			}
		}
		if lastPath != "" {
			outputPath <- lastPath
		}
		close(outputPath)
	}()

	waitErr := cmd.Wait()
	<-scanDone
	elapsed := time.Since(start)

	if waitErr != nil {
		return nil, classifyFetchError(ctx, waitErr, stderr.String(), p.URL, logger)
	}

	res := &FetchResult{ElapsedMs: elapsed.Milliseconds()}
	if path, ok := <-outputPath; ok {
		res.OutputPath = path
		if !filepath.IsAbs(path) && outDir != "" {
			res.OutputPath = filepath.Join(outDir, path)
		}
		if fi, statErr := os.Stat(res.OutputPath); statErr == nil {
			res.SizeBytes = fi.Size()
		}
	}

	logger.Info("fetch completed",
		slog.String("url", p.URL),
		slog.String("output", res.OutputPath),
		slog.Duration("elapsed", elapsed),
	)

	return res, nil
}

// classifyFetchError maps tool failures to fault classes. Source-side
// problems (gone, private, unsupported) are permanent; everything else,
// including throttling and network resets, is worth a retry.
func classifyFetchError(ctx context.Context, waitErr error, stderr, url string, logger *slog.Logger) error {
	if ctx.Err() != nil {
		return fault.Wrap(fault.ClassOf(ctx.Err()), "fetch_interrupted", ctx.Err())
	}

	tail := stderrTail(stderr)
	logger.Warn("fetch tool failed",
		slog.String("url", url),
		slog.String("stderr", tail),
	)

	for _, marker := range permanentMarkers {
		if strings.Contains(stderr, marker) {
			return fault.New(fault.ClassPermanent, "fetch_source_gone", "fetch %s: %s", url, tail)
		}
	}
	return fault.New(fault.ClassTransient, "fetch_failed", "fetch %s: %v: %s", url, waitErr, tail)
}

// stderrTail returns the last non-empty stderr line, capped for logging.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			if len(line) > 300 {
				line = line[:300]
			}
			return line
		}
	}
	return ""
}
