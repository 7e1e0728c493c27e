package services

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/storyreel/storyreel/internal/models"
)

// ---------------------------------------------------------------------------
// Motion effect types for still-image scenes. Each scene gets one, combined
// with a subtle breathing pulse so centered subjects do not look frozen.
// ---------------------------------------------------------------------------

// SceneEffect defines the type of Ken Burns motion effect applied to a still image
type SceneEffect string

const (
	EffectZoomIn   SceneEffect = "zoom_in"   // Strong zoom toward center
	EffectZoomOut  SceneEffect = "zoom_out"  // Starts zoomed, pulls back wide
	EffectPanDown  SceneEffect = "pan_down"  // Drifts top to bottom
	EffectPanUp    SceneEffect = "pan_up"    // Drifts bottom to top
	EffectPanLeft  SceneEffect = "pan_left"  // Drifts right to left
	EffectPanRight SceneEffect = "pan_right" // Drifts left to right
)

var allEffects = []SceneEffect{
	EffectZoomIn,
	EffectZoomOut,
	EffectPanDown,
	EffectPanUp,
	EffectPanLeft,
	EffectPanRight,
}

// EffectForScene picks a deterministic motion effect for a scene index, so
// re-rendering a cached scene reproduces the same output bytes.
func EffectForScene(index int) SceneEffect {
	return allEffects[index%len(allEffects)]
}

// Output / rendering constants. Portrait 1080x1920 at 30fps for FINAL;
// PROXY scales down to 540x960 for fast previews.
const (
	finalWidth  = 1080
	finalHeight = 1920
	proxyWidth  = 540
	proxyHeight = 960
	videoFPS    = 30

	// Breathing pulse: a subtle zoom oscillation layered on top of the primary
	// motion, roughly one full breath every 2 seconds.
	breathAmplitude = 0.03
	breathFrequency = 0.12
)

// QualitySettings are the encoder knobs for a quality mode.
type QualitySettings struct {
	Width   int
	Height  int
	Preset  string
	CRF     string
	MaxRate string // empty means no rate ceiling
}

// SettingsFor maps a quality mode to concrete encoder settings.
func SettingsFor(mode models.QualityMode) QualitySettings {
	if mode == models.QualityProxy {
		return QualitySettings{
			Width:  proxyWidth,
			Height: proxyHeight,
			Preset: "ultrafast",
			CRF:    "32",
		}
	}
	return QualitySettings{
		Width:   finalWidth,
		Height:  finalHeight,
		Preset:  "slow",
		CRF:     "18",
		MaxRate: "8M",
	}
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir string
}

func NewFFmpegService(tempDir string) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FFmpegService{tempDir: tempDir}, nil
}

// Available reports whether the ffmpeg binary can be found on PATH.
func (s *FFmpegService) Available() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// run executes ffmpeg with the given args, capturing stderr so a failure
// carries the encoder output instead of losing it to the console.
func (s *FFmpegService) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, tailLines(stderr.String(), 6))
	}
	return nil
}

// tailLines returns the last n lines of s, for error messages.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// ---------------------------------------------------------------------------
// Encoder detection
// ---------------------------------------------------------------------------

// hwEncoderProbeOrder is the preference order for hardware H.264 encoders.
var hwEncoderProbeOrder = []string{"h264_nvenc", "h264_videotoolbox"}

// DetectEncoder probes hardware encoders in preference order and returns the
// first one that can actually encode a frame, falling back to libx264.
// Listing an encoder in `ffmpeg -encoders` is not enough: nvenc shows up on
// machines without an NVIDIA GPU, so each candidate gets a one-frame test.
func (s *FFmpegService) DetectEncoder(ctx context.Context) string {
	for _, encoder := range hwEncoderProbeOrder {
		args := []string{
			"-hide_banner",
			"-f", "lavfi",
			"-i", "color=c=black:s=320x240:d=0.1",
			"-frames:v", "1",
			"-c:v", encoder,
			"-f", "null", "-",
		}
		cmd := exec.CommandContext(ctx, "ffmpeg", args...)
		if err := cmd.Run(); err == nil {
			log.Printf("[FFmpeg] Using hardware encoder %s", encoder)
			return encoder
		}
		log.Printf("[FFmpeg] Hardware encoder %s unavailable", encoder)
	}
	log.Printf("[FFmpeg] Falling back to software encoder libx264")
	return "libx264"
}

// ---------------------------------------------------------------------------
// Audio operations
// ---------------------------------------------------------------------------

// PrependSilence adds a silence buffer at the start of an audio file.
// This prevents the first word from being clipped and creates natural pauses
// between scenes.
func (s *FFmpegService) PrependSilence(ctx context.Context, inputAudioPath, outputAudioPath string, silenceMs int) error {
	delayFilter := fmt.Sprintf("adelay=%d|%d", silenceMs, silenceMs)

	return s.run(ctx, []string{
		"-i", inputAudioPath,
		"-af", delayFilter,
		"-y",
		outputAudioPath,
	})
}

// TrimAndFade removes leading and trailing silence and applies short fade-in
// and fade-out ramps so scene boundaries do not click. fadeMs is the ramp
// length on each end.
func (s *FFmpegService) TrimAndFade(ctx context.Context, inputAudioPath, outputAudioPath string, fadeMs int) error {
	duration, err := s.ProbeDuration(ctx, inputAudioPath)
	if err != nil {
		return err
	}

	return s.run(ctx, []string{
		"-i", inputAudioPath,
		"-af", trimFadeFilter(duration, fadeMs),
		"-y",
		outputAudioPath,
	})
}

// trimFadeFilter builds the silence-trim and fade chain. Both ends are
// trimmed: synthesis output carries variable silence at the head as well as
// the tail, and an un-trimmed head pops at a concat boundary the same way an
// un-faded tail does.
func trimFadeFilter(durationSec float64, fadeMs int) string {
	fadeSec := float64(fadeMs) / 1000.0
	fadeStart := durationSec - fadeSec
	if fadeStart < 0 {
		fadeStart = 0
	}

	return fmt.Sprintf(
		"silenceremove=start_periods=1:start_duration=0.2:start_threshold=-50dB:"+
			"stop_periods=1:stop_duration=0.2:stop_threshold=-50dB,"+
			"afade=t=in:st=0:d=%.3f,afade=t=out:st=%.3f:d=%.3f",
		fadeSec, fadeStart, fadeSec,
	)
}

// Stretch retimes audio by the given ratio using atempo. ratio > 1 speeds up,
// ratio < 1 slows down. Callers keep the ratio close to 1.0; atempo itself
// accepts 0.5 to 2.0.
func (s *FFmpegService) Stretch(ctx context.Context, inputAudioPath, outputAudioPath string, ratio float64) error {
	if ratio < 0.5 || ratio > 2.0 {
		return fmt.Errorf("stretch ratio %.3f outside atempo range", ratio)
	}

	return s.run(ctx, []string{
		"-i", inputAudioPath,
		"-af", fmt.Sprintf("atempo=%s", strconv.FormatFloat(ratio, 'f', 4, 64)),
		"-y",
		outputAudioPath,
	})
}

// ProbeDuration returns the duration of a media file in seconds using ffprobe.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	durationSec, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return durationSec, nil
}

// ---------------------------------------------------------------------------
// Scene rendering
// ---------------------------------------------------------------------------

// RenderScene creates a video clip from a still image and narration audio,
// applying a Ken Burns motion effect with a subtle breathing pulse. The clip
// ends when the audio ends. encoder is the H.264 encoder name chosen by
// DetectEncoder; quality picks the resolution and rate settings.
func (s *FFmpegService) RenderScene(ctx context.Context, imagePath, audioPath, outputPath string, effect SceneEffect, durationSec float64, quality models.QualityMode, encoder string) error {
	settings := SettingsFor(quality)
	vf := buildMotionFilter(effect, durationSec, settings.Width, settings.Height)

	log.Printf("[FFmpeg] Rendering scene (effect=%s, duration=%.2fs, encoder=%s, quality=%s)",
		effect, durationSec, encoder, quality)

	args := []string{
		"-i", imagePath, // Single image input (zoompan handles duration)
		"-i", audioPath, // Narration audio
		"-vf", vf,
		"-c:v", encoder,
	}
	args = append(args, encoderQualityArgs(encoder, settings)...)
	args = append(args,
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-shortest", // End when the shorter stream (audio) ends
		"-y",
		outputPath,
	)

	return s.run(ctx, args)
}

// encoderQualityArgs translates quality settings into encoder-specific flags.
// Hardware encoders do not understand -crf or libx264 preset names.
func encoderQualityArgs(encoder string, settings QualitySettings) []string {
	var args []string
	switch encoder {
	case "h264_nvenc":
		args = append(args, "-preset", "p4", "-cq", settings.CRF)
	case "h264_videotoolbox":
		args = append(args, "-q:v", "60")
	default:
		args = append(args, "-preset", settings.Preset, "-crf", settings.CRF)
	}
	if settings.MaxRate != "" {
		args = append(args, "-maxrate", settings.MaxRate, "-bufsize", settings.MaxRate)
	}
	return args
}

// buildMotionFilter constructs the -vf chain for an effect: a zoompan filter
// whose z expression carries both the primary motion and the breathing pulse.
func buildMotionFilter(effect SceneEffect, durationSec float64, width, height int) string {
	// Add a 2-second buffer so zoompan always produces enough frames;
	// -shortest trims to audio length.
	totalFrames := int(durationSec*videoFPS) + videoFPS*2
	if totalFrames < videoFPS {
		totalFrames = videoFPS // minimum 1 second
	}

	breathExpr := fmt.Sprintf("%.3f*sin(on*%.3f)", breathAmplitude, breathFrequency)

	var zExpr, xExpr, yExpr string

	switch effect {
	case EffectZoomIn:
		// Zoom from 1.0 to 1.4 centered
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectZoomOut:
		// Zoom from 1.4 back to 1.0 centered
		zExpr = fmt.Sprintf("1.4-0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectPanDown:
		// Fixed 1.3x zoom, camera drifts from top to bottom
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("(ih-ih/zoom)*on/%d", totalFrames)

	case EffectPanUp:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("(ih-ih/zoom)*(1-on/%d)", totalFrames)

	case EffectPanRight:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*on/%d", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectPanLeft:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*(1-on/%d)", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	default:
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"
	}

	return fmt.Sprintf(
		"zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		zExpr, xExpr, yExpr,
		totalFrames,
		width, height,
		videoFPS,
	)
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg
// filter syntax. Filter strings treat colons, backslashes, and single quotes
// specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// ---------------------------------------------------------------------------
// Concatenation and finalization
// ---------------------------------------------------------------------------

// ConcatenateScenes combines scene clips in order into one video using the
// concat demuxer, without re-encoding. clipPaths must already be in scene
// order.
func (s *FFmpegService) ConcatenateScenes(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(s.tempDir, fmt.Sprintf("concat_%s.txt", filepath.Base(outputPath)))
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()
	defer os.Remove(listPath)

	return s.run(ctx, []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		"-y",
		outputPath,
	})
}

// FinalizeOptions are the optional overlays applied in a single re-encode
// pass after concatenation. Empty fields skip that overlay.
type FinalizeOptions struct {
	WatermarkText string
	SubtitlePath  string // SRT burned into the video
	Encoder       string
	Quality       models.QualityMode
}

// Finalize applies watermark and subtitle burn-in to the concatenated video
// in one filter pass. With no overlays requested, it copies the input.
func (s *FFmpegService) Finalize(ctx context.Context, inputPath, outputPath string, opts FinalizeOptions) error {
	var filters []string

	if opts.SubtitlePath != "" {
		filters = append(filters, fmt.Sprintf("subtitles='%s'", escapeFFmpegFilterPath(opts.SubtitlePath)))
		log.Printf("[FFmpeg] Burning in subtitles from %s", opts.SubtitlePath)
	}
	if opts.WatermarkText != "" {
		text := strings.ReplaceAll(opts.WatermarkText, "'", "")
		filters = append(filters, fmt.Sprintf(
			"drawtext=text='%s':fontcolor=white@0.6:fontsize=36:x=w-tw-24:y=h-th-24", text))
	}

	if len(filters) == 0 {
		return s.run(ctx, []string{"-i", inputPath, "-c", "copy", "-y", outputPath})
	}

	encoder := opts.Encoder
	if encoder == "" {
		encoder = "libx264"
	}
	settings := SettingsFor(opts.Quality)

	args := []string{
		"-i", inputPath,
		"-vf", strings.Join(filters, ","),
		"-c:v", encoder,
	}
	args = append(args, encoderQualityArgs(encoder, settings)...)
	args = append(args,
		"-c:a", "copy",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)

	return s.run(ctx, args)
}

// MixBackgroundMusic mixes looping background music underneath the narration
// audio of a finished video. Music volume stays low so narration remains
// dominant. An empty or missing musicPath is a no-op.
func (s *FFmpegService) MixBackgroundMusic(ctx context.Context, videoPath, musicPath, outputPath string) error {
	if musicPath == "" {
		log.Printf("[FFmpeg] No background music path provided, skipping")
		return nil
	}
	if _, err := os.Stat(musicPath); os.IsNotExist(err) {
		log.Printf("[FFmpeg] Background music file not found at %s, skipping", musicPath)
		return nil
	}

	log.Printf("[FFmpeg] Mixing background music from %s", musicPath)

	// [0:a] narration at full volume, [1:a] music at 12%; amix ends with the
	// video and fades the music out over 3 seconds.
	filterComplex := "[0:a]volume=1.0[narration];[1:a]volume=0.12[music];[narration][music]amix=inputs=2:duration=first:dropout_transition=3[aout]"

	return s.run(ctx, []string{
		"-i", videoPath,
		"-stream_loop", "-1", // Loop the music as long as needed
		"-i", musicPath,
		"-filter_complex", filterComplex,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy", // Video stream untouched
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	})
}
