package session

import (
	"context"
	"strconv"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"github.com/hubward/jobd/internal/config"
	"github.com/hubward/jobd/model"
)

// DockerLauncher runs untrusted sessions in containers with CPU,
// memory and pid limits. The container shares the host network so the
// session binds the allocated ip:port directly; the address is handed
// in through the environment.
type DockerLauncher struct {
	docker *client.Client
	cfg    *config.SessionConfig
}

func NewDockerLauncher(cfg *config.SessionConfig) (*DockerLauncher, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &DockerLauncher{docker: dc, cfg: cfg}, nil
}

func (l *DockerLauncher) Launch(ctx context.Context, sess model.Session) (Handle, error) {
	pidsLimit := int64(64)
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode("host"),
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  int64(l.cfg.CPU_QUOTA),
			Memory:    int64(l.cfg.MEMORY_LIMIT),
			PidsLimit: &pidsLimit,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,mode=0777,size=67108864",
		},
	}
	cfg := &container.Config{
		Image: l.cfg.IMAGE,
		User:  "1000:1000",
		Env: []string{
			"SESSION_PROTOCOL=" + sess.Protocol,
			"SESSION_IP=" + sess.IP,
			"SESSION_PORT=" + strconv.Itoa(sess.Port),
		},
		Labels: map[string]string{"session": sess.ID},
	}

	created, err := l.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     cfg,
		HostConfig: hostCfg,
		Name:       "session-" + sess.ID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := l.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		l.docker.ContainerRemove(ctx, created.ID, client.ContainerRemoveOptions{Force: true})
		return nil, err
	}
	return &dockerHandle{docker: l.docker, id: created.ID}, nil
}

type dockerHandle struct {
	docker *client.Client
	id     string
}

// Destroy stops and removes the container. Removal is forced so a
// container that already exited is cleaned up the same way.
func (h *dockerHandle) Destroy(ctx context.Context) error {
	timeout := 0
	if _, err := h.docker.ContainerStop(ctx, h.id, client.ContainerStopOptions{Timeout: &timeout}); err != nil {
		return err
	}
	_, err := h.docker.ContainerRemove(ctx, h.id, client.ContainerRemoveOptions{Force: true})
	return err
}
