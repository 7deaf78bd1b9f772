package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/edvin/edgedeploy/internal/platform"
)

// DefaultWorkdir is where project files live inside a Docker sandbox.
const DefaultWorkdir = "/workspace"

// DockerProvider runs each sandbox as a container whose main process sleeps
// for the sandbox lifetime. Containers are created with AutoRemove, so an
// expired sandbox disappears even when Terminate is never called.
type DockerProvider struct {
	cli      *client.Client
	memoryMB int64
}

// NewDockerProvider connects to the Docker daemon at host, or the
// environment's default daemon when host is empty.
func NewDockerProvider(host string, memoryMB int64) (*DockerProvider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerProvider{cli: cli, memoryMB: memoryMB}, nil
}

func (d *DockerProvider) Name() string { return "docker" }

// Ping checks that the daemon is reachable.
func (d *DockerProvider) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *DockerProvider) Close() error {
	return d.cli.Close()
}

func (d *DockerProvider) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", img, err)
	}

	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerProvider) Create(ctx context.Context, spec Spec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	config := &container.Config{
		Image:      spec.Image,
		Cmd:        sleepCmd(spec.Lifetime),
		Env:        envList(spec.Env),
		WorkingDir: DefaultWorkdir,
		Labels:     spec.Labels,
	}
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Resources: container.Resources{
			Memory: d.memoryMB * 1024 * 1024,
		},
	}

	name := platform.NewName("edge-sbx-")
	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %s: %w", name, err)
	}
	return resp.ID, nil
}

func (d *DockerProvider) Connect(ctx context.Context, id string) (*Handle, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}
	if info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	workdir := DefaultWorkdir
	if info.Config != nil && info.Config.WorkingDir != "" {
		workdir = info.Config.WorkingDir
	}
	return &Handle{ID: info.ID, Provider: d.Name(), Workdir: workdir}, nil
}

func (d *DockerProvider) Exec(ctx context.Context, h *Handle, cmd string, env map[string]string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		Env:          envList(env),
		WorkingDir:   h.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := d.cli.ContainerExecCreate(ctx, h.ID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", h.ID, err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", h.ID, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("exec read output in %s: %w", h.ID, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspectResp, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", h.ID, err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *DockerProvider) WriteFile(ctx context.Context, h *Handle, p string, content []byte) error {
	abs, err := resolvePath(h.Workdir, p)
	if err != nil {
		return err
	}
	archive, err := tarFile(abs, content, time.Now())
	if err != nil {
		return err
	}
	if err := d.cli.CopyToContainer(ctx, h.ID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy %s to %s: %w", p, h.ID, err)
	}
	return nil
}

func (d *DockerProvider) FileExists(ctx context.Context, h *Handle, p string) (bool, error) {
	abs, err := resolvePath(h.Workdir, p)
	if err != nil {
		return false, err
	}
	res, err := d.Exec(ctx, h, "test -e "+shellQuote(abs), nil)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (d *DockerProvider) Terminate(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func sleepCmd(lifetime time.Duration) []string {
	secs := int64(lifetime.Seconds())
	if secs <= 0 {
		secs = int64((20 * time.Minute).Seconds())
	}
	return []string{"sleep", strconv.FormatInt(secs, 10)}
}

// envList renders env as KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// resolvePath makes p absolute under workdir. Paths that end up outside
// workdir, whether absolute or through "..", are rejected.
func resolvePath(workdir, p string) (string, error) {
	root := path.Clean(workdir)
	abs := path.Clean(p)
	if !path.IsAbs(abs) {
		abs = path.Join(root, abs)
	}
	if root == "/" || abs == root || strings.HasPrefix(abs, root+"/") {
		return abs, nil
	}
	return "", fmt.Errorf("path %q is outside %s", p, root)
}

// tarFile builds a single-entry archive that extracts to abs when copied
// into the container root.
func tarFile(abs string, content []byte, modTime time.Time) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(abs, "/"),
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header for %s: %w", abs, err)
	}
	if _, err := tw.Write(content); err != nil {
		return nil, fmt.Errorf("write tar body for %s: %w", abs, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar for %s: %w", abs, err)
	}
	return &buf, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
