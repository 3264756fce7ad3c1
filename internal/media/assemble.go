// Package media joins rendered shots into a single film.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var ErrNoClips = errors.New("no clips to assemble")

type Clip struct {
	Data     []byte
	MimeType string
}

// Assembler joins clips in order with hard cuts.
type Assembler interface {
	Assemble(ctx context.Context, clips []Clip) (Clip, error)
}

// FFmpeg concatenates clips with the ffmpeg concat demuxer, copying streams
// without re-encoding. Every clip must share codec parameters, which holds
// for clips from one video provider.
type FFmpeg struct {
	Binary  string
	TempDir string
}

func (f FFmpeg) Assemble(ctx context.Context, clips []Clip) (Clip, error) {
	if len(clips) == 0 {
		return Clip{}, ErrNoClips
	}
	if len(clips) == 1 {
		return clips[0], nil
	}

	dir, err := os.MkdirTemp(f.TempDir, "reelflow-assemble-")
	if err != nil {
		return Clip{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, clip := range clips {
		name := fmt.Sprintf("shot_%03d.mp4", i)
		if err := os.WriteFile(filepath.Join(dir, name), clip.Data, 0o600); err != nil {
			return Clip{}, fmt.Errorf("write clip %d: %w", i, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", name)
	}
	listPath := filepath.Join(dir, "clips.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return Clip{}, fmt.Errorf("write concat list: %w", err)
	}

	out := filepath.Join(dir, "film.mp4")
	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", "-movflags", "+faststart",
		out,
	)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Clip{}, fmt.Errorf("ffmpeg exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return Clip{}, fmt.Errorf("run ffmpeg: %w", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return Clip{}, fmt.Errorf("read assembled film: %w", err)
	}
	return Clip{Data: data, MimeType: "video/mp4"}, nil
}

// Concat appends clip bytes without remuxing. The output is only a
// placeholder and backs synthetic runs where no ffmpeg is installed.
type Concat struct{}

func (Concat) Assemble(ctx context.Context, clips []Clip) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	if len(clips) == 0 {
		return Clip{}, ErrNoClips
	}
	var buf bytes.Buffer
	for _, clip := range clips {
		buf.Write(clip.Data)
	}
	mimeType := clips[0].MimeType
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	return Clip{Data: buf.Bytes(), MimeType: mimeType}, nil
}
