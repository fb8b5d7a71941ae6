package kernel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/config"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const (
	containerPrefix = "pegasus-exec-"
	labelExecution  = "pegasus.execution"

	// DataMount is where the data directory appears inside the sandbox.
	DataMount = "/data"
	// WorkDir is the working directory of executed code.
	WorkDir = "/data/Uploads"

	cleanupTimeout = 10 * time.Second
	drainTimeout   = 2 * time.Second
)

// DockerRuntime runs each execution in a fresh container.
type DockerRuntime struct {
	cli       *client.Client
	cfg       config.ExecutorConfig
	hostMount string
	logger    *logger.Logger
}

// NewDockerRuntime connects to the daemon. dataDir is bind mounted at /data
// unless executor.hostWorkspace overrides the host side.
func NewDockerRuntime(cfg config.ExecutorConfig, dataDir string, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	hostMount := cfg.HostWorkspace
	if hostMount == "" {
		if hostMount, err = filepath.Abs(dataDir); err != nil {
			return nil, fmt.Errorf("invalid data dir: %w", err)
		}
	}

	log = log.WithFields(zap.String("component", "docker-runtime"))
	log.Info("Docker client created",
		zap.String("host", cfg.DockerHost),
		zap.String("image", cfg.Image),
		zap.String("mount", hostMount),
	)

	return &DockerRuntime{cli: cli, cfg: cfg, hostMount: hostMount, logger: log}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// Ping checks if Docker is available.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls the executor image.
func (d *DockerRuntime) PullImage(ctx context.Context) error {
	d.logger.Info("Pulling image", zap.String("image", d.cfg.Image))

	reader, err := d.cli.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.cfg.Image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	d.logger.Info("Image pulled", zap.String("image", d.cfg.Image))
	return nil
}

func containerName(executionID string) string {
	return containerPrefix + executionID
}

func (d *DockerRuntime) create(ctx context.Context, req Request) (string, error) {
	containerCfg := &container.Config{
		Image:        d.cfg.Image,
		Cmd:          req.Command(),
		WorkingDir:   WorkDir,
		Labels:       map[string]string{labelExecution: req.ID},
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: d.hostMount,
			Target: DataMount,
		}},
		Resources: container.Resources{
			Memory:    d.cfg.MemoryLimitMB * 1024 * 1024,
			CPUShares: d.cfg.CPUShares,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(req.ID))
	if err != nil && client.IsErrNotFound(err) {
		if pullErr := d.PullImage(ctx); pullErr != nil {
			return "", pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(req.ID))
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// Run creates, attaches and starts a container, then waits for it. The
// container is always removed.
func (d *DockerRuntime) Run(ctx context.Context, req Request, stdout, stderr io.Writer) (Result, error) {
	log := d.logger.WithFields(zap.String("execution_id", req.ID))

	id, err := d.create(ctx, req)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer d.remove(id, log)

	attach, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to attach to container: %w", err)
	}
	defer attach.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		demultiplexStream(attach.Reader, stdout, stderr, log)
	}()

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start container: %w", err)
	}
	log.Debug("Container started", zap.String("container_id", id))

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		// Output written just before exit may still be in flight.
		select {
		case <-drained:
		case <-time.After(drainTimeout):
		}
		if status.Error != nil && status.Error.Message != "" {
			return Result{ExitCode: int(status.StatusCode)}, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return Result{ExitCode: int(status.StatusCode)}, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(id, log)
			return Result{ExitCode: -1}, ctx.Err()
		}
		return Result{ExitCode: -1}, fmt.Errorf("error waiting for container: %w", err)
	case <-ctx.Done():
		d.kill(id, log)
		return Result{ExitCode: -1}, ctx.Err()
	}
}

func (d *DockerRuntime) kill(id string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		log.Debug("kill failed", zap.String("container_id", id), zap.Error(err))
	}
}

func (d *DockerRuntime) remove(id string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		log.Warn("Failed to remove container", zap.String("container_id", id), zap.Error(err))
	}
}

// Stats samples the container of a running execution.
func (d *DockerRuntime) Stats(ctx context.Context, executionID string) (protocol.ResourceStats, error) {
	resp, err := d.cli.ContainerStats(ctx, containerName(executionID), false)
	if err != nil {
		return protocol.ResourceStats{}, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return protocol.ResourceStats{}, fmt.Errorf("failed to decode container stats: %w", err)
	}
	return resourceStats(&raw, float64(d.cfg.MemoryLimitMB)), nil
}

const mib = 1024 * 1024

// resourceStats converts a docker sample the way `docker stats` does.
func resourceStats(s *container.StatsResponse, limitMB float64) protocol.ResourceStats {
	out := protocol.ResourceStats{RAMLimit: limitMB}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	if cpuDelta > 0 && sysDelta > 0 {
		out.CPUPercent = round2(cpuDelta / sysDelta * cpus * 100)
	}

	used := s.MemoryStats.Usage
	cache := s.MemoryStats.Stats["inactive_file"]
	if cache == 0 {
		cache = s.MemoryStats.Stats["cache"]
	}
	if cache < used {
		used -= cache
	}
	out.RAMUsage = round2(float64(used) / mib)
	if s.MemoryStats.Limit > 0 && limitMB == 0 {
		out.RAMLimit = round2(float64(s.MemoryStats.Limit) / mib)
	}
	return out
}

// demultiplexStream splits Docker's multiplexed attach stream.
// Each frame has an 8 byte header: stream type (1=stdout, 2=stderr), three
// reserved bytes and a big endian uint32 payload size.
func demultiplexStream(reader io.Reader, stdout, stderr io.Writer, log *logger.Logger) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("demultiplex stream ended", zap.Error(err))
			}
			return
		}

		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			log.Debug("failed to read frame data", zap.Error(err))
			return
		}

		switch header[0] {
		case 1:
			_, _ = stdout.Write(data)
		case 2:
			_, _ = stderr.Write(data)
		}
	}
}
