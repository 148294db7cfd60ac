package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type EncodeJob struct {
	RecordingID domain.RecordingID
	SessionID   domain.SessionID
	Streams     []domain.RecordingStream
	Quality     domain.RecordingQuality
	Format      domain.RecordingFormat
	Resolution  domain.Resolution
	OutputPath  string
}

// ErrEncoderKilled marks an encode that did not finish its container and had
// to be killed. Its output is unusable.
var ErrEncoderKilled = errors.New("encoder killed")

// Task is a running encode. Done closes when the process has exited. Err is
// nil only for a clean exit, including one requested by Stop.
type Task interface {
	Done() <-chan struct{}
	Err() error
	Stop() error
}

type Encoder interface {
	Start(ctx context.Context, job EncodeJob) (Task, error)
}

var bitrates = map[domain.RecordingQuality]map[domain.Resolution]string{
	domain.QualityHigh:   {domain.Resolution1080p: "4000k", domain.Resolution720p: "2500k", domain.Resolution480p: "1000k"},
	domain.QualityMedium: {domain.Resolution1080p: "2500k", domain.Resolution720p: "1500k", domain.Resolution480p: "800k"},
	domain.QualityLow:    {domain.Resolution1080p: "1500k", domain.Resolution720p: "1000k", domain.Resolution480p: "500k"},
}

var presets = map[domain.RecordingQuality]struct{ preset, crf string }{
	domain.QualityHigh:   {"slow", "18"},
	domain.QualityMedium: {"medium", "23"},
	domain.QualityLow:    {"fast", "28"},
}

var frameSizes = map[domain.Resolution]string{
	domain.Resolution1080p: "1920x1080",
	domain.Resolution720p:  "1280x720",
	domain.Resolution480p:  "854x480",
}

// FFmpegEncoder runs one ffmpeg process per recording.
type FFmpegEncoder struct {
	Path      string
	StopGrace time.Duration
}

func (e *FFmpegEncoder) Start(_ context.Context, job EncodeJob) (Task, error) {
	args, err := BuildArgs(job)
	if err != nil {
		return nil, err
	}
	// The process outlives the request that started it.
	cmd := exec.Command(e.Path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Info().
		Str("module", "recording.ffmpeg").
		Str("recording_id", string(job.RecordingID)).
		Int("pid", cmd.Process.Pid).
		Msg("encoder started")

	grace := e.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	t := &ffmpegTask{cmd: cmd, stdin: stdin, grace: grace, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if t.killed.Load() {
			err = fmt.Errorf("%w after %s grace: %v", ErrEncoderKilled, grace, err)
		}
		t.err = err
		close(t.done)
	}()
	return t, nil
}

type ffmpegTask struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	grace    time.Duration
	done     chan struct{}
	err      error
	killed   atomic.Bool
	stopOnce sync.Once
}

func (t *ffmpegTask) Done() <-chan struct{} { return t.done }

// Err is valid after Done is closed.
func (t *ffmpegTask) Err() error { return t.err }

// Stop asks ffmpeg to finish the container with "q", then kills it after the
// grace period. Stopping an exited task is a no-op.
func (t *ffmpegTask) Stop() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	t.stopOnce.Do(func() {
		if _, werr := io.WriteString(t.stdin, "q\n"); werr != nil {
			log.Warn().Err(werr).Str("module", "recording.ffmpeg").Msg("graceful stop failed, killing")
		}
		_ = t.stdin.Close()
		go func() {
			select {
			case <-t.done:
			case <-time.After(t.grace):
				t.killed.Store(true)
				if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
					log.Error().Err(kerr).Str("module", "recording.ffmpeg").Msg("kill encoder")
				}
			}
		}()
	})
	return nil
}

// BuildArgs renders the ffmpeg command line for a job.
func BuildArgs(job EncodeJob) ([]string, error) {
	streams := make([]domain.RecordingStream, 0, len(job.Streams))
	for _, s := range job.Streams {
		if s.URL != "" {
			streams = append(streams, s)
		}
	}
	if len(streams) == 0 {
		return nil, errors.New("no streams to record")
	}
	br, ok := bitrates[job.Quality][job.Resolution]
	if !ok {
		return nil, fmt.Errorf("unsupported quality %q at %q", job.Quality, job.Resolution)
	}
	p := presets[job.Quality]

	args := []string{"-y", "-loglevel", "warning", "-protocol_whitelist", "file,udp,rtp,crypto,data"}
	var videos, audios []int
	for i, s := range streams {
		args = append(args, "-i", s.URL)
		if s.Kind == domain.KindVideo {
			videos = append(videos, i)
		} else {
			audios = append(audios, i)
		}
	}

	switch {
	case len(audios) > 1:
		var in strings.Builder
		for _, i := range audios {
			fmt.Fprintf(&in, "[%d:a]", i)
		}
		args = append(args, "-filter_complex", fmt.Sprintf("%samix=inputs=%d[aout]", in.String(), len(audios)), "-map", "[aout]")
	case len(audios) == 1:
		args = append(args, "-map", fmt.Sprintf("%d:a", audios[0]))
	}
	if len(videos) > 0 {
		args = append(args, "-map", fmt.Sprintf("%d:v", videos[0]))
	}

	if job.Format == domain.FormatWebM {
		args = append(args, "-c:v", "libvpx-vp9", "-c:a", "libopus")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", p.preset, "-c:a", "aac")
	}
	if len(videos) > 0 {
		args = append(args, "-crf", p.crf, "-b:v", br, "-r", "30", "-s", frameSizes[job.Resolution])
	}
	args = append(args, "-b:a", "128k", "-ac", "2", "-ar", "48000", job.OutputPath)
	return args, nil
}
