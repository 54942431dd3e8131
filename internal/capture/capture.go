// Package capture pulls webcast audio on the server by running ffmpeg in a
// short-lived Docker container.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// LabelKey marks every capture container so stale ones can be swept.
	LabelKey     = "buddyfox.capture"
	labelSession = "buddyfox.session_id"

	namePrefix      = "buddyfox-capture-"
	stopTimeoutSecs = 5

	// Resource limits.
	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 64

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// Request describes one capture.
type Request struct {
	SessionID  string
	URL        string
	SampleRate int
}

// Capturer produces raw s16le mono audio for a webcast URL.
type Capturer interface {
	// Start launches a capture. Closing the returned reader stops it.
	Start(ctx context.Context, req Request) (io.ReadCloser, error)
	// Sweep removes capture containers left behind by a previous process.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// DockerCapturer implements Capturer with the Docker API.
type DockerCapturer struct {
	cli     *client.Client
	image   string
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor

	pullMu sync.Mutex
	pulled bool
}

// NewDockerCapturer creates a Docker-backed capturer.
func NewDockerCapturer(imageRef, runtime string) (*DockerCapturer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime == "" {
		slog.Info("Docker capture client initialized", "image", imageRef, "runtime", "default")
	} else {
		slog.Info("Docker capture client initialized", "image", imageRef, "runtime", runtime)
	}
	return &DockerCapturer{cli: cli, image: imageRef, runtime: runtime}, nil
}

// Close releases the Docker client.
func (c *DockerCapturer) Close() error {
	return c.cli.Close()
}

func (c *DockerCapturer) ensureImage(ctx context.Context) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	if c.pulled {
		return nil
	}

	_, err := c.cli.ImageInspect(ctx, c.image)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", c.image, err)
	}
	if err != nil {
		slog.Info("Pulling capture image", "image", c.image)
		rc, err := c.cli.ImagePull(ctx, c.image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image %s: %w", c.image, err)
		}
		defer rc.Close()
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return fmt.Errorf("read pull progress for %s: %w", c.image, err)
		}
	}
	c.pulled = true
	return nil
}

// Start creates and starts the ffmpeg container and streams its stdout.
func (c *DockerCapturer) Start(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := c.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := ContainerName(req.SessionID)
	config := &container.Config{
		Image:        c.image,
		Entrypoint:   []string{"ffmpeg"},
		Cmd:          FFmpegArgs(req.URL, req.SampleRate),
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			LabelKey:     "true",
			labelSession: req.SessionID,
		},
	}
	hostConfig := &container.HostConfig{
		Runtime: c.runtime,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create capture container: %w", createErr)
		}
		slog.Warn("Capture container name conflict, retrying", "container_name", name, "attempt", i+1)
		if err := c.Stop(ctx, name); err != nil {
			slog.Warn("Failed to remove conflicting capture container", "container_name", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create capture container after retries: %w", createErr)
	}

	// Attach before start so no early output is lost.
	hijack, err := c.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		c.remove(resp.ID)
		return nil, fmt.Errorf("attach capture container %s: %w", resp.ID, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		c.remove(resp.ID)
		return nil, fmt.Errorf("start capture container %s: %w", resp.ID, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer hijack.Close()
		_, err := stdcopy.StdCopy(pw, &stderrLogger{sessionID: req.SessionID}, hijack.Reader)
		pw.CloseWithError(err)
	}()

	slog.Info("Capture started", "container_id", resp.ID, "session_id", req.SessionID)
	return &captureReader{PipeReader: pr, stop: func() { c.remove(resp.ID) }}, nil
}

func (c *DockerCapturer) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Stop(ctx, containerID); err != nil {
		slog.Warn("Failed to remove capture container", "container_id", containerID, "error", err)
	}
}

// Stop stops and removes a capture container. It is idempotent.
func (c *DockerCapturer) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Capture container already removed", "container_id", containerID)
			return nil
		}
		slog.Debug("Capture container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Capture container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Capture container removed", "container_id", containerID)
	return nil
}

// Sweep removes every labelled capture container.
func (c *DockerCapturer) Sweep(ctx context.Context) (int, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelKey+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list capture containers: %w", err)
	}

	var errs []error
	removed := 0
	for _, ctr := range list {
		if err := c.Stop(ctx, ctr.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Swept stale capture containers", "count", removed)
	}
	return removed, errors.Join(errs...)
}

// FFmpegArgs builds the ffmpeg command line that writes s16le mono PCM to stdout.
func FFmpegArgs(url string, sampleRate int) []string {
	return []string{
		"-nostdin",
		"-loglevel", "error",
		"-re",
		"-i", url,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName maps a session id onto a valid Docker container name.
func ContainerName(sessionID string) string {
	return namePrefix + invalidNameChars.ReplaceAllString(sessionID, "-")
}

type captureReader struct {
	*io.PipeReader
	once sync.Once
	stop func()
}

func (r *captureReader) Close() error {
	err := r.PipeReader.Close()
	r.once.Do(r.stop)
	return err
}

// stderrLogger forwards ffmpeg error output to the log.
type stderrLogger struct {
	sessionID string
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		slog.Warn("ffmpeg", "session_id", l.sessionID, "output", msg)
	}
	return len(p), nil
}

func ptr[T any](v T) *T {
	return &v
}
