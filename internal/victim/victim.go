// Package victim resolves the process a coordinator tracks.
package victim

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"cosched/internal/logging"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Inspector returns the host pid of a running container's init process.
type Inspector interface {
	ContainerPID(ctx context.Context, containerID string) (int, error)
}

// Resolve returns pid when set, otherwise the init pid of container.
func Resolve(ctx context.Context, pid int, container string, inspector Inspector) (int, error) {
	logger := logging.GetLogger()

	if pid > 0 {
		if err := checkAlive(pid); err != nil {
			return 0, err
		}
		return pid, nil
	}
	if container == "" {
		return 0, fmt.Errorf("neither victim pid nor container given")
	}
	if inspector == nil {
		return 0, fmt.Errorf("no container runtime configured")
	}

	resolved, err := inspector.ContainerPID(ctx, container)
	if err != nil {
		return 0, err
	}
	logger.WithFields(logrus.Fields{
		"container": container,
		"pid":       resolved,
	}).Info("Resolved victim from container")
	return resolved, nil
}

func checkAlive(pid int) error {
	if _, err := os.Stat("/proc/" + strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("victim pid %d is not running: %w", pid, err)
	}
	return nil
}

// DockerInspector asks the Docker daemon for the container's pid.
type DockerInspector struct {
	client *client.Client
}

func NewDockerInspector() (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerInspector{client: cli}, nil
}

func (d *DockerInspector) ContainerPID(ctx context.Context, containerID string) (int, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if info.State == nil || !info.State.Running || info.State.Pid <= 0 {
		return 0, fmt.Errorf("container %s is not running", containerID)
	}
	return info.State.Pid, nil
}

func (d *DockerInspector) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
