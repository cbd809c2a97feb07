package backend

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	dockerclient "github.com/docker/docker/client"
)

// ContainerState is the subset of docker inspect output used for health.
type ContainerState struct {
	Running bool
	// Health is the docker healthcheck status ("healthy", "unhealthy",
	// "starting") or empty when the image defines none.
	Health string
}

// Inspector reports the runtime state of a named container.
type Inspector interface {
	Inspect(ctx context.Context, name string) (ContainerState, error)
}

// DockerInspector implements Inspector with the Docker Go SDK.
type DockerInspector struct {
	cli *dockerclient.Client
}

// NewDockerInspector creates a client configured from the environment
// (DOCKER_HOST, DOCKER_TLS_VERIFY, DOCKER_CERT_PATH, DOCKER_API_VERSION).
func NewDockerInspector() (*DockerInspector, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client: %w", err)
	}
	return &DockerInspector{cli: cli}, nil
}

// Inspect returns the container state. A missing container is reported as
// not running rather than as an error.
func (d *DockerInspector) Inspect(ctx context.Context, name string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ContainerState{}, nil
		}
		return ContainerState{}, fmt.Errorf("docker ContainerInspect: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{}, nil
	}
	st := ContainerState{Running: info.State.Running}
	if info.State.Health != nil {
		st.Health = string(info.State.Health.Status)
	}
	return st, nil
}

// Close releases the docker client.
func (d *DockerInspector) Close() error { return d.cli.Close() }
