// Package camera grabs still frames from a local camera.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/loqalabs/visionvoice/internal/vision"
	"github.com/mattn/go-shellwords"
)

// ErrDeviceUnavailable is returned when no camera facing could produce a frame.
var ErrDeviceUnavailable = errors.New("camera: device unavailable")

type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// Device captures one still frame.
type Device interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// Camera tries the rear-facing device first and falls back to the front one.
type Camera struct {
	devices  map[Facing]Device
	mimeType string
	logger   *slog.Logger
}

func New(devices map[Facing]Device, mimeType string, logger *slog.Logger) *Camera {
	if mimeType == "" {
		mimeType = vision.DefaultMIMEType
	}
	return &Camera{
		devices:  devices,
		mimeType: mimeType,
		logger:   logger.With(slog.String("component", "camera")),
	}
}

// Enabled reports whether any device is configured.
func (c *Camera) Enabled() bool {
	return c != nil && len(c.devices) > 0
}

func (c *Camera) Snapshot(ctx context.Context) (vision.Image, Facing, error) {
	if !c.Enabled() {
		return vision.Image{}, "", fmt.Errorf("%w: no camera configured", ErrDeviceUnavailable)
	}
	var errs []error
	for _, facing := range []Facing{FacingEnvironment, FacingUser} {
		dev, ok := c.devices[facing]
		if !ok {
			continue
		}
		data, err := dev.Snapshot(ctx)
		if err == nil && len(data) == 0 {
			err = errors.New("empty frame")
		}
		if err != nil {
			c.logger.Warn("camera snapshot failed", slog.String("facing", string(facing)), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", facing, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return vision.Image{MIMEType: c.mimeType, Data: data}, facing, nil
	}
	return vision.Image{}, "", fmt.Errorf("%w: %w", ErrDeviceUnavailable, errors.Join(errs...))
}

// ExecDevice runs a command that writes one encoded image to stdout, e.g.
// `ffmpeg -f v4l2 -i /dev/video0 -frames:v 1 -f mjpeg -`.
type ExecDevice struct {
	cmd []string
}

func NewExecDevice(command string) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse camera command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("camera command empty")
	}
	return &ExecDevice{cmd: args}, nil
}

func (e *ExecDevice) Snapshot(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
