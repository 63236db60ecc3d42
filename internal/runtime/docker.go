// Package runtime is the engine's read side of the container runtime: listing
// live containers and applying compose projects. It never mutates containers
// except through a compose apply.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/halverson/stackdrift/internal/domain"
)

const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
	labelConfigHash     = "com.docker.compose.config-hash"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// NewClient creates a Docker client from environment defaults, optionally
// overriding the daemon host.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// ListContainers returns every container on the host, stopped ones included.
// No label filter is applied: containers started outside compose carry no
// labels at all, and matching them to services is the caller's job.
func (c *Client) ListContainers(ctx context.Context) ([]domain.RuntimeContainer, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	out := make([]domain.RuntimeContainer, 0, len(list))
	for _, item := range list {
		rc := domain.RuntimeContainer{
			ID:             item.ID,
			State:          item.State,
			Image:          item.Image,
			ComposeProject: item.Labels[labelComposeProject],
			ComposeService: item.Labels[labelComposeService],
			ConfigHash:     item.Labels[labelConfigHash],
		}
		if len(item.Names) > 0 {
			rc.Name = strings.TrimPrefix(item.Names[0], "/")
		}
		if item.Created > 0 {
			rc.CreatedAt = time.Unix(item.Created, 0).UTC()
		}
		for _, p := range item.Ports {
			if p.PublicPort > 0 {
				rc.Ports = append(rc.Ports, fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			} else {
				rc.Ports = append(rc.Ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
			}
		}
		out = append(out, rc)
	}
	return out, nil
}
