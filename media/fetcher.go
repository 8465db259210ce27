package media

import (
    "bytes"
    "context"
    "fmt"
    "log"
    "os"
    "os/exec"
    "path/filepath"
    "strings"
    "time"

    "biliaudio/config"
    "github.com/shirou/gopsutil/v3/cpu"
    "github.com/shirou/gopsutil/v3/disk"
    "github.com/shirou/gopsutil/v3/mem"
)

// FetchError marks a failure of the external downloader. It is captured
// into the owning task's error field, never raised to unrelated callers.
type FetchError struct {
    ContentID string
    Err       error
}

func (e *FetchError) Error() string {
    return fmt.Sprintf("fetch %s: %v", e.ContentID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher downloads a video's audio track with yt-dlp, treated as an
// opaque blocking call bounded by the caller's context.
type Fetcher struct {
    cfg *config.Config
}

func NewFetcher(cfg *config.Config) (*Fetcher, error) {
    if _, err := exec.LookPath(cfg.YtdlpBin); err != nil {
        return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YtdlpBin)
    }
    return &Fetcher{cfg: cfg}, nil
}

// Fetch resolves contentID to a local audio file inside workdir.
func (f *Fetcher) Fetch(ctx context.Context, contentID, workdir string) (string, error) {
    // Check system resources before starting an expensive download
    if err := f.checkResources(workdir); err != nil {
        return "", &FetchError{ContentID: contentID, Err: err}
    }

    args := []string{
        "-f", "bestaudio/best",
        "-x", "--audio-format", "wav",
        "--no-playlist",
        "--socket-timeout", "30",
        "-o", filepath.Join(workdir, "audio.%(ext)s"),
    }

    // Credentials land in the task's own workdir so cleanup removes them too.
    if f.cfg.Cookies != "" {
        cookiesPath := filepath.Join(workdir, "cookies.txt")
        if err := os.WriteFile(cookiesPath, []byte(f.cfg.Cookies), 0o600); err != nil {
            return "", &FetchError{ContentID: contentID, Err: fmt.Errorf("write cookies file: %w", err)}
        }
        args = append(args, "--cookies", cookiesPath)
    } else {
        log.Printf("No cookies configured, downloading %s without credentials", contentID)
    }

    args = append(args, "https://www.bilibili.com/video/"+contentID)

    cmd := exec.CommandContext(ctx, f.cfg.YtdlpBin, args...)
    var outputBuf bytes.Buffer
    cmd.Stdout = &outputBuf
    cmd.Stderr = &outputBuf

    log.Printf("Downloading audio for %s into %s", contentID, workdir)
    if err := cmd.Run(); err != nil {
        if ctx.Err() != nil {
            return "", ctx.Err()
        }
        return "", &FetchError{
            ContentID: contentID,
            Err:       fmt.Errorf("yt-dlp failed: %w: %s", err, tail(outputBuf.String(), 512)),
        }
    }

    return f.findAudioFile(contentID, workdir)
}

var audioExts = map[string]bool{
    ".wav": true, ".m4a": true, ".mp3": true, ".opus": true,
    ".webm": true, ".flv": true, ".mp4": true,
}

// findAudioFile locates the downloaded audio, preferring the extracted WAV.
func (f *Fetcher) findAudioFile(contentID, workdir string) (string, error) {
    entries, err := os.ReadDir(workdir)
    if err != nil {
        return "", &FetchError{ContentID: contentID, Err: err}
    }

    var found string
    for _, e := range entries {
        if e.IsDir() {
            continue
        }
        ext := strings.ToLower(filepath.Ext(e.Name()))
        if !audioExts[ext] {
            continue
        }
        if found == "" || ext == ".wav" {
            found = filepath.Join(workdir, e.Name())
        }
    }
    if found == "" {
        return "", &FetchError{ContentID: contentID, Err: fmt.Errorf("downloader produced no audio file")}
    }

    info, err := os.Stat(found)
    if err != nil {
        return "", &FetchError{ContentID: contentID, Err: err}
    }
    if info.Size() > f.cfg.MaxAudioSize {
        return "", &FetchError{
            ContentID: contentID,
            Err:       fmt.Errorf("audio size %d exceeds limit of %d bytes", info.Size(), f.cfg.MaxAudioSize),
        }
    }
    return found, nil
}

// checkResources verifies that the system has enough free resources to start a new job.
func (f *Fetcher) checkResources(workdir string) error {
    // CPU
    p, err := cpu.Percent(time.Second, false)
    if err != nil {
        log.Printf("Warning: could not get CPU usage: %v", err)
    } else if len(p) > 0 && p[0] > (100.0-f.cfg.ThrottleCPU) {
        return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], f.cfg.ThrottleCPU)
    }

    // Memory
    vm, err := mem.VirtualMemory()
    if err != nil {
        log.Printf("Warning: could not get memory usage: %v", err)
    } else if vm.Available < uint64(f.cfg.ThrottleFreeMem) {
        return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, f.cfg.ThrottleFreeMem)
    }

    // Disk
    d, err := disk.Usage(workdir)
    if err != nil {
        log.Printf("Warning: could not get disk usage for %s: %v", workdir, err)
    } else if d.Free < uint64(f.cfg.ThrottleFreeDisk) {
        return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, f.cfg.ThrottleFreeDisk)
    }
    return nil
}

func tail(s string, n int) string {
    s = strings.TrimSpace(s)
    if len(s) <= n {
        return s
    }
    return "..." + s[len(s)-n:]
}
