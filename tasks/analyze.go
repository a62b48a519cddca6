package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/job"
)

// TypeAnalyze is the task type tag for media analysis.
const TypeAnalyze = "media.analyze"

// AnalyzePayload identifies the local file to probe.
type AnalyzePayload struct {
	// Path is the media file to analyze.
	Path string `json:"path" validate:"required"`
}

// AnalyzeResult is persisted as the job result.
type AnalyzeResult struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	DurationSec float64 `json:"duration_sec"`
	VideoCodec  string  `json:"video_codec"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	BitrateKbps int     `json:"bitrate_kbps"`

	// Quality is the weighted score (0-100): half resolution class,
	// then bitrate, then codec generation.
	Quality float64 `json:"quality"`
}

// AnalyzeConfig configures the external probe tool.
type AnalyzeConfig struct {
	// Tool is the probe binary. Defaults to "ffprobe".
	Tool string

	// Timeout bounds one probe run.
	Timeout time.Duration
}

func (c *AnalyzeConfig) defaults() {
	if c.Tool == "" {
		c.Tool = "ffprobe"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// probeOutput mirrors the probe tool's -print_format json layout.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	BitRate   string `json:"bit_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// NewAnalyze returns the task definition for media analysis.
func NewAnalyze(cfg AnalyzeConfig, logger *slog.Logger) *job.Definition[AnalyzePayload] {
	cfg.defaults()
	return job.NewDefinition(TypeAnalyze,
		func(ctx context.Context, rt *job.Runtime, p AnalyzePayload) error {
			rt.Progress(ctx, 10, "probing")

			probe, err := runProbe(ctx, cfg, p.Path)
			if err != nil {
				return err
			}

			rt.Progress(ctx, 70, "scoring")

			res, err := scoreProbe(probe, p.Path)
			if err != nil {
				return err
			}

			logger.Info("analysis completed",
				slog.String("path", p.Path),
				slog.String("codec", res.VideoCodec),
				slog.Int("height", res.Height),
				slog.Float64("quality", res.Quality),
			)
			return rt.SetResult(res)
		},
		job.WithQueue("analysis"),
		job.WithMaxRetries(1),
	)
}

// runProbe executes the probe tool and decodes its JSON output.
// A non-zero exit means the file is unreadable, which no retry fixes.
func runProbe(ctx context.Context, cfg AnalyzeConfig, path string) (*probeOutput, error) {
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, cfg.Tool,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.ClassOf(ctx.Err()), "probe_interrupted", ctx.Err())
		}
		if pctx.Err() != nil {
			return nil, fault.Timeoutf("probe of %s exceeded %s", path, cfg.Timeout)
		}
		return nil, fault.New(fault.ClassPermanent, "probe_failed", "probe %s: %v", path, err)
	}

	var probe probeOutput
	if jerr := json.Unmarshal(out, &probe); jerr != nil {
		return nil, fault.New(fault.ClassPermanent, "probe_failed", "decode probe output for %s: %v", path, jerr)
	}
	return &probe, nil
}

// scoreProbe extracts stream facts and computes the quality score.
func scoreProbe(probe *probeOutput, path string) (*AnalyzeResult, error) {
	res := &AnalyzeResult{}
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = s.CodecName
				res.Width = s.Width
				res.Height = s.Height
			}
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
		}
	}
	if res.VideoCodec == "" {
		return nil, fault.New(fault.ClassPermanent, "no_video_stream", "no video stream in %s", path)
	}

	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		res.DurationSec = d
	}
	if br, err := strconv.Atoi(probe.Format.BitRate); err == nil {
		res.BitrateKbps = br / 1000
	}

	res.Quality = 0.5*resolutionScore(res.Height) +
		0.3*bitrateScore(res.BitrateKbps) +
		0.2*codecScore(res.VideoCodec)
	return res, nil
}

// resolutionScore buckets the vertical resolution into a 0-100 class.
func resolutionScore(height int) float64 {
	switch {
	case height >= 2160:
		return 100
	case height >= 1440:
		return 95
	case height >= 1080:
		return 90
	case height >= 720:
		return 75
	case height >= 480:
		return 55
	case height >= 360:
		return 40
	default:
		return 25
	}
}

// bitrateScore normalizes bitrate against an 8 Mbps ceiling.
func bitrateScore(kbps int) float64 {
	const ceiling = 8000.0
	s := float64(kbps) / ceiling * 100
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}

// codecScore ranks codec generations.
func codecScore(codec string) float64 {
	switch strings.ToLower(codec) {
	case "av1":
		return 100
	case "hevc", "h265":
		return 95
	case "vp9":
		return 90
	case "h264", "avc":
		return 80
	case "vp8":
		return 60
	case "mpeg4", "mpeg2video":
		return 40
	default:
		return 30
	}
}
