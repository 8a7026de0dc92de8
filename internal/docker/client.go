package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

var ErrNotRunning = errors.New("container is not running")

type inspector interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Close() error
}

type Client struct {
	cli inspector
}

func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// ContainerPID returns the host pid of the container's init process.
func (c *Client) ContainerPID(ctx context.Context, containerID string) (int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, fmt.Errorf("container not found: %s", containerID)
		}
		return 0, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running || inspect.State.Pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, containerID)
	}
	return inspect.State.Pid, nil
}
