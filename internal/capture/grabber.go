package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/bmp"
)

// Grabber is a frame source: a camera device, an RTSP/HTTP stream or a file.
// Implementations are not required to be safe for concurrent use; Source
// serializes access.
type Grabber interface {
	Open() error
	// Read blocks until the next frame is available.
	Read() (image.Image, error)
	Close() error
}

// FFmpegGrabber shells out to ffmpeg and reads BMP-encoded frames from an
// image2pipe. It handles cameras (numeric sources via v4l2), RTSP URLs and
// plain files.
type FFmpegGrabber struct {
	Source string
	FPS    int

	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewFFmpegGrabber returns an unopened grabber for the given source.
func NewFFmpegGrabber(source string, fps int) *FFmpegGrabber {
	return &FFmpegGrabber{Source: source, FPS: fps}
}

// Open starts the ffmpeg process. Fails if the ffmpeg binary is missing.
func (g *FFmpegGrabber) Open() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg binary not found: %w", err)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	switch {
	case strings.HasPrefix(g.Source, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp", "-i", g.Source)
	case isDeviceIndex(g.Source):
		args = append(args, "-f", "v4l2", "-i", "/dev/video"+g.Source)
	default:
		args = append(args, "-re", "-i", g.Source)
	}
	if g.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(g.FPS))
	}
	args = append(args, "-c:v", "bmp", "-f", "image2pipe", "-")

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	g.cmd = cmd
	g.stdout = stdout
	return nil
}

func isDeviceIndex(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// Read parses the next BMP frame off the pipe.
func (g *FFmpegGrabber) Read() (image.Image, error) {
	if g.stdout == nil {
		return nil, fmt.Errorf("grabber not open")
	}

	header := make([]byte, 14) // BMP file header
	if _, err := io.ReadFull(g.stdout, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if header[0] != 'B' || header[1] != 'M' {
		return nil, fmt.Errorf("malformed frame: not a BMP header")
	}

	size := binary.LittleEndian.Uint32(header[2:6])
	if size < 14 {
		return nil, fmt.Errorf("malformed frame: size %d", size)
	}
	body := make([]byte, size-14)
	if _, err := io.ReadFull(g.stdout, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	img, err := bmp.Decode(bytes.NewReader(append(header, body...)))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// Close terminates the ffmpeg process.
func (g *FFmpegGrabber) Close() error {
	if g.cmd == nil {
		return nil
	}
	if g.stdout != nil {
		g.stdout.Close()
	}
	if g.cmd.Process != nil {
		g.cmd.Process.Kill()
	}
	err := g.cmd.Wait()
	g.cmd = nil
	g.stdout = nil
	// ffmpeg killed mid-stream exits non-zero; that is expected on Close.
	if err != nil && !strings.Contains(err.Error(), "killed") && !strings.Contains(err.Error(), "signal") {
		return err
	}
	return nil
}

// MockGrabber serves a fixed sequence of frames and scripted errors. Used in
// tests and in dev mode in place of a real camera.
type MockGrabber struct {
	mu     sync.Mutex
	frames []image.Image
	errs   []error
	idx    int
	opened bool

	OpenErr error
	Opens   int
	Closes  int
}

// NewMockGrabber cycles through the given frames forever.
func NewMockGrabber(frames ...image.Image) *MockGrabber {
	return &MockGrabber{frames: frames}
}

// FailNextReads queues errors that Read will return, one per call, before
// resuming frame delivery.
func (g *MockGrabber) FailNextReads(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, errs...)
}

func (g *MockGrabber) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.OpenErr != nil {
		return g.OpenErr
	}
	g.opened = true
	g.Opens++
	return nil
}

func (g *MockGrabber) Read() (image.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.opened {
		return nil, fmt.Errorf("mock grabber not open")
	}
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	if len(g.frames) == 0 {
		return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
	}
	img := g.frames[g.idx%len(g.frames)]
	g.idx++
	return img, nil
}

func (g *MockGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opened = false
	g.Closes++
	return nil
}
