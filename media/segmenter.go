package media

import (
    "bytes"
    "context"
    "fmt"
    "log"
    "math"
    "os"
    "os/exec"
    "path/filepath"
    "sort"
    "strconv"
    "strings"

    "biliaudio/config"
    "biliaudio/task"
)

// SegmentationError marks a failure of the external transcoding step.
type SegmentationError struct {
    Err error
}

func (e *SegmentationError) Error() string {
    return fmt.Sprintf("segmentation failed: %v", e.Err)
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// Segmenter slices an audio file into fixed-length 16 kHz mono WAV
// segments with ffmpeg, probing the total duration with ffprobe first.
type Segmenter struct {
    cfg       *config.Config
    extraArgs []string
}

func NewSegmenter(cfg *config.Config) (*Segmenter, error) {
    if _, err := exec.LookPath(cfg.FFBin); err != nil {
        return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
    }
    if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
        return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
    }

    extra, err := SplitExtraArgs(cfg.FFExtraArgs)
    if err != nil {
        return nil, err
    }
    if err := ValidateExtraArgs(extra); err != nil {
        return nil, err
    }

    return &Segmenter{cfg: cfg, extraArgs: extra}, nil
}

// Split produces ordered fixed-length segments of audioPath under workdir.
func (s *Segmenter) Split(ctx context.Context, audioPath, workdir string) ([]task.Segment, error) {
    total, err := s.probeDuration(ctx, audioPath)
    if err != nil {
        return nil, err
    }
    if total <= 0 {
        return nil, &SegmentationError{Err: fmt.Errorf("source audio has zero duration: %s", audioPath)}
    }

    interval := s.cfg.SegmentTime.Seconds()
    outDir := filepath.Join(workdir, "slices")
    if err := os.MkdirAll(outDir, 0o755); err != nil {
        return nil, &SegmentationError{Err: err}
    }

    args := []string{
        "-i", audioPath,
        "-f", "segment",
        "-segment_time", strconv.FormatFloat(interval, 'f', -1, 64),
        "-c:a", "pcm_s16le",
        "-ar", "16000",
        "-ac", "1",
        "-y",
    }
    args = append(args, s.extraArgs...)
    args = append(args, filepath.Join(outDir, "%03d.wav"))

    cmd := exec.CommandContext(ctx, s.cfg.FFBin, args...)
    var outputBuf bytes.Buffer
    cmd.Stdout = &outputBuf
    cmd.Stderr = &outputBuf

    if err := cmd.Run(); err != nil {
        if ctx.Err() != nil {
            return nil, ctx.Err()
        }
        return nil, &SegmentationError{
            Err: fmt.Errorf("ffmpeg failed: %w: %s", err, tail(outputBuf.String(), 512)),
        }
    }

    files, err := filepath.Glob(filepath.Join(outDir, "*.wav"))
    if err != nil {
        return nil, &SegmentationError{Err: err}
    }
    sort.Strings(files)
    if len(files) == 0 {
        return nil, &SegmentationError{Err: fmt.Errorf("ffmpeg produced no segment files")}
    }

    segments := PlanSegments(total, interval)
    if len(files) != len(segments) {
        return nil, &SegmentationError{
            Err: fmt.Errorf("expected %d segment files, found %d", len(segments), len(files)),
        }
    }
    for i := range segments {
        info, err := os.Stat(files[i])
        if err != nil {
            return nil, &SegmentationError{Err: err}
        }
        segments[i].FilePath = files[i]
        segments[i].SizeBytes = info.Size()
    }

    log.Printf("Segmented %s into %d slice(s) of up to %.0fs", audioPath, len(segments), interval)
    return segments, nil
}

// PlanSegments computes the segment layout for a total duration sliced at
// a fixed interval. Boundaries are gapless: segment i+1 starts exactly
// where segment i ends, and the final segment's duration is in (0, interval].
func PlanSegments(total, interval float64) []task.Segment {
    n := int(math.Ceil(total / interval))
    if n < 1 {
        n = 1
    }
    segments := make([]task.Segment, n)
    for i := 0; i < n; i++ {
        start := float64(i) * interval
        duration := interval
        if i == n-1 {
            duration = total - start
        }
        segments[i] = task.Segment{
            Index:        i,
            StartSeconds: start,
            Duration:     duration,
        }
    }
    return segments
}

// probeDuration asks ffprobe for the container's total duration in seconds.
func (s *Segmenter) probeDuration(ctx context.Context, audioPath string) (float64, error) {
    cmd := exec.CommandContext(ctx, s.cfg.FFProbeBin,
        "-v", "error",
        "-show_entries", "format=duration",
        "-of", "default=noprint_wrappers=1:nokey=1",
        audioPath,
    )
    out, err := cmd.Output()
    if err != nil {
        if ctx.Err() != nil {
            return 0, ctx.Err()
        }
        return 0, &SegmentationError{Err: fmt.Errorf("ffprobe failed for %s: %w", audioPath, err)}
    }

    total, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
    if err != nil {
        return 0, &SegmentationError{Err: fmt.Errorf("unreadable duration %q: %w", strings.TrimSpace(string(out)), err)}
    }
    return total, nil
}
