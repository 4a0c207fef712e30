package invoker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/cobble/internal/cobbleerr"
)

// DockerBackend runs a tool's invocation action inside an ephemeral
// container, for tools declared with backend = "docker" (SPEC_FULL
// §4.3, §15). Adapted from the teacher's internal/tools/docker.go
// DockerSandbox, repurposed from a fixed exec-a-shell-string sandbox
// into a tool backend that takes an explicit argv and streams output
// into the action context's buffers instead of returning it as one
// blob.
type DockerBackend struct {
	Client      *client.Client
	Image       string
	BaseArgs    []string
	Workspace   string
	MemoryBytes int64
	NetworkMode string
}

// NewDockerBackend builds a DockerBackend, defaulting memory and
// network mode the same way the teacher's DockerSandbox does.
func NewDockerBackend(image string, baseArgs []string, workspace string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		return nil, fmt.Errorf("docker tool backend requires an image")
	}
	return &DockerBackend{
		Client:      cli,
		Image:       image,
		BaseArgs:    baseArgs,
		Workspace:   workspace,
		MemoryBytes: 512 * 1024 * 1024,
		NetworkMode: "none",
	}, nil
}

// Invoke creates, runs, and removes a container executing BaseArgs
// followed by args, mounting Workspace at /workspace.
func (d *DockerBackend) Invoke(args []string, actx *ActionContext) (string, error) {
	ctx := context.Background()
	full := append(append([]string{}, d.BaseArgs...), args...)

	resp, err := d.Client.ContainerCreate(ctx, &container.Config{
		Image:      d.Image,
		Cmd:        full,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.MemoryBytes},
		NetworkMode: container.NetworkMode(d.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.Workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("create container: %w", err)}
	}
	containerID := resp.ID

	if err := d.Client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("start container: %w", err)}
	}

	statusCh, errCh := d.Client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("wait container: %w", err)}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	out, err := d.Client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("container logs: %w", err)}
	}
	defer out.Close()

	var stdoutBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, actx.Err, out); err != nil {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("demux container output: %w", err)}
	}
	actx.Out.Write(stdoutBuf.Bytes())

	if exitCode != 0 {
		return "", &cobbleerr.RuntimeError{Err: fmt.Errorf("container exited with status %d", exitCode)}
	}
	return stdoutBuf.String(), nil
}

// Close releases the docker client.
func (d *DockerBackend) Close() error {
	return d.Client.Close()
}
