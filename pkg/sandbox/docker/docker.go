// Package docker implements sandbox.Sandbox against a single, long-running
// Docker container shared by every tenant. Per-user isolation is achieved
// with per-user subdirectories of one workspace volume rather than
// per-user containers.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/nstogner/agentserver/pkg/observability"
	"github.com/nstogner/agentserver/pkg/sandbox"
)

const (
	// ContainerName is the fixed name of the shared tool-execution
	// container. Only one instance of this container exists per
	// deployment. Ensure does not coordinate across processes: if two
	// processes race to create it, the losing ContainerCreate fails and
	// that Ensure call returns the error.
	ContainerName = "agentserver-shared-sandbox"
	// VolumeName backs the workspace root so user files survive container
	// recreation.
	VolumeName = "agentserver-workspace"

	workspaceRoot  = "/workspace"
	sandboxUser    = "tooluser"
	toolsAssetPath = "/opt/tools"
)

// Config controls image selection and resource limits for the shared
// container.
type Config struct {
	Image          string
	MemoryLimit    int64 // bytes, 0 = unlimited
	CPUQuota       int64 // microseconds per CPUPeriod, 0 = unlimited
	CPUPeriod      int64 // defaults to 100000 if CPUQuota is set
	NetworkEnabled bool  // default false: containers run with NetworkMode "none"
	ExecTimeout    time.Duration
	Metrics        *observability.Metrics
}

// Manager is a sandbox.Sandbox backed by one shared Docker container.
type Manager struct {
	cli     *client.Client
	cfg     Config
	metrics *observability.Metrics

	mu    sync.Mutex
	state sandbox.State

	userDirsMu sync.Mutex
	userDirs   map[string]bool // userID -> workspace dir + tool assets provisioned
}

var _ sandbox.Sandbox = (*Manager)(nil)

// New creates a Manager using the Docker client configuration found in the
// process environment (DOCKER_HOST et al.).
func New(cfg Config) (*Manager, error) {
	if cfg.Image == "" {
		cfg.Image = "agentserver-sandbox-tools:latest"
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.CPUQuota > 0 && cfg.CPUPeriod == 0 {
		cfg.CPUPeriod = 100000
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: new client: %w", err)
	}

	return &Manager{
		cli:      cli,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		state:    sandbox.StateUnstarted,
		userDirs: make(map[string]bool),
	}, nil
}

func (m *Manager) State() sandbox.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s sandbox.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Ensure creates the shared container if it does not exist, starts it if it
// is stopped, and otherwise leaves a running container untouched.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.State() == sandbox.StateReady {
		return nil
	}
	m.setState(sandbox.StateStarting)

	inspect, err := m.cli.ContainerInspect(ctx, ContainerName)
	switch {
	case client.IsErrNotFound(err):
		if err := m.create(ctx); err != nil {
			m.setState(sandbox.StateFailed)
			return err
		}
	case err != nil:
		m.setState(sandbox.StateFailed)
		return fmt.Errorf("sandbox/docker: inspect: %w", err)
	case !inspect.State.Running:
		if err := m.cli.ContainerStart(ctx, ContainerName, container.StartOptions{}); err != nil {
			m.setState(sandbox.StateFailed)
			return fmt.Errorf("sandbox/docker: start: %w", err)
		}
	}

	if err := m.waitHealthy(ctx); err != nil {
		m.setState(sandbox.StateFailed)
		return err
	}

	m.setState(sandbox.StateReady)
	slog.Info("sandbox container ready", "container", ContainerName)
	return nil
}

// recheckHealth is called at the top of every operation. If the container
// has disappeared out from under a StateReady Manager (removed externally,
// host restart without the named volume's backing container surviving), it
// drops back to StateUninitialized and re-runs Ensure rather than serving
// calls against a container that no longer exists.
func (m *Manager) recheckHealth(ctx context.Context) error {
	if m.State() != sandbox.StateReady {
		return m.Ensure(ctx)
	}
	if _, err := m.cli.ContainerInspect(ctx, ContainerName); client.IsErrNotFound(err) {
		m.setState(sandbox.StateUninitialized)
		return m.Ensure(ctx)
	}
	return nil
}

func (m *Manager) create(ctx context.Context) error {
	networkMode := container.NetworkMode("none")
	if m.cfg.NetworkEnabled {
		networkMode = "bridge"
	}

	cfg := &container.Config{
		Image: m.cfg.Image,
		Cmd:   []string{"tail", "-f", "/dev/null"},
		User:  "1000:1000",
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{VolumeName + ":" + workspaceRoot},
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:    m.cfg.MemoryLimit,
			CPUQuota:  m.cfg.CPUQuota,
			CPUPeriod: m.cfg.CPUPeriod,
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, ContainerName)
	if err != nil {
		return fmt.Errorf("sandbox/docker: create: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox/docker: start after create: %w", err)
	}
	return nil
}

func (m *Manager) waitHealthy(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		res, err := m.execRaw(ctx, []string{"true"})
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("sandbox/docker: timed out waiting for container health")
		case <-ticker.C:
		}
	}
}

// resolveUserPath validates a caller-supplied relative path and joins it
// onto the user's workspace subtree.
func resolveUserPath(userID, relPath string) (string, error) {
	if relPath == "" {
		relPath = "."
	}
	if path.IsAbs(relPath) || strings.Contains(relPath, "..") {
		return "", sandbox.ErrPathEscape
	}
	return path.Join(workspaceRoot, userID, relPath), nil
}

func userWorkdir(userID string) string {
	return path.Join(workspaceRoot, userID)
}

func (m *Manager) ensureUserDir(ctx context.Context, userID string) error {
	m.userDirsMu.Lock()
	done := m.userDirs[userID]
	m.userDirsMu.Unlock()
	if done {
		return nil
	}

	dir := userWorkdir(userID)
	cmd := fmt.Sprintf(
		"mkdir -p %s && if [ ! -d %s/.tools ]; then cp -r %s %s/.tools; fi",
		shellQuote(dir), shellQuote(dir), shellQuote(toolsAssetPath), shellQuote(dir),
	)
	res, err := m.execRaw(ctx, []string{"bash", "-c", cmd})
	if err != nil {
		return fmt.Errorf("sandbox/docker: provision user dir: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox/docker: provision user dir: exit %d: %s", res.ExitCode, res.Stderr)
	}

	m.userDirsMu.Lock()
	m.userDirs[userID] = true
	m.userDirsMu.Unlock()
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Exec runs command for userID, rooted at that user's workspace subtree,
// hiding the absolute in-container path from the returned output.
func (m *Manager) Exec(ctx context.Context, userID, command string, timeout time.Duration) (res sandbox.ExecResult, err error) {
	if m.metrics != nil {
		defer func() {
			status := "success"
			switch {
			case err != nil:
				status = "error"
			case res.TimedOut:
				status = "timeout"
			}
			m.metrics.SandboxExecsTotal.WithLabelValues(status).Inc()
		}()
	}

	if err = m.recheckHealth(ctx); err != nil {
		return sandbox.ExecResult{}, err
	}
	if m.State() != sandbox.StateReady {
		return sandbox.ExecResult{}, sandbox.ErrNotReady
	}
	if err = m.ensureUserDir(ctx, userID); err != nil {
		return sandbox.ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = m.cfg.ExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err = m.execIn(execCtx, userWorkdir(userID), []string{"bash", "-c", command})
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			// On timeout the attached stream is abandoned; the in-container
			// process is not signalled and may keep running.
			return sandbox.ExecResult{
				ExitCode: sandbox.TimeoutExitCode,
				TimedOut: true,
			}, nil
		}
		return sandbox.ExecResult{}, err
	}

	hide := userWorkdir(userID)
	res.Stdout = strings.ReplaceAll(res.Stdout, hide, ".")
	res.Stderr = strings.ReplaceAll(res.Stderr, hide, ".")
	return res, nil
}

// execRaw runs cmd in the container's default working directory, used only
// for internal bookkeeping (health checks, user-dir provisioning).
func (m *Manager) execRaw(ctx context.Context, cmd []string) (sandbox.ExecResult, error) {
	return m.execIn(ctx, "", cmd)
}

func (m *Manager) execIn(ctx context.Context, workdir string, cmd []string) (sandbox.ExecResult, error) {
	execCfg := types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   workdir,
		User:         sandboxUser,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := m.cli.ContainerExecCreate(ctx, ContainerName, execCfg)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox/docker: exec create: %w", err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox/docker: exec attach: %w", err)
	}
	defer attach.Close()

	stdout := newCappedBuffer(sandbox.MaxOutputBytes)
	stderr := newCappedBuffer(sandbox.MaxOutputBytes)
	if _, err := demux(attach.Reader, stdout, stderr); err != nil && err != io.EOF {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox/docker: exec read: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("sandbox/docker: exec inspect: %w", err)
	}

	return sandbox.ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  inspect.ExitCode,
		Truncated: stdout.truncated || stderr.truncated,
	}, nil
}

// cappedBuffer accumulates at most limit bytes and records whether any
// further writes were dropped, so exec output never grows unbounded and the
// caller can surface output-truncated without a second pass over the data.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.buf.Len() >= c.limit {
		c.truncated = true
		return n, nil
	}
	room := c.limit - c.buf.Len()
	if len(p) > room {
		c.truncated = true
		p = p[:room]
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[truncated]"
	}
	return c.buf.String()
}

// PutFile writes content to the user's workspace via a single-entry tar
// stream, matching the tar-based upload idiom used against the Docker API.
func (m *Manager) PutFile(ctx context.Context, userID, relPath string, content []byte) error {
	if err := m.recheckHealth(ctx); err != nil {
		return err
	}
	if m.State() != sandbox.StateReady {
		return sandbox.ErrNotReady
	}
	full, err := resolveUserPath(userID, relPath)
	if err != nil {
		return err
	}
	if err := m.ensureUserDir(ctx, userID); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(full),
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("sandbox/docker: tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("sandbox/docker: tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("sandbox/docker: tar close: %w", err)
	}

	return m.cli.CopyToContainer(ctx, ContainerName, path.Dir(full), &buf, types.CopyToContainerOptions{})
}

// GetFile reads a single file out of the user's workspace via a tar stream.
func (m *Manager) GetFile(ctx context.Context, userID, relPath string) ([]byte, error) {
	if err := m.recheckHealth(ctx); err != nil {
		return nil, err
	}
	if m.State() != sandbox.StateReady {
		return nil, sandbox.ErrNotReady
	}
	full, err := resolveUserPath(userID, relPath)
	if err != nil {
		return nil, err
	}

	reader, _, err := m.cli.CopyFromContainer(ctx, ContainerName, full)
	if err != nil {
		return nil, fmt.Errorf("sandbox/docker: copy from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("sandbox/docker: tar read header: %w", err)
	}
	return io.ReadAll(tr)
}

// List enumerates a directory relative to the user's workspace root.
func (m *Manager) List(ctx context.Context, userID, relPath string) ([]sandbox.FileInfo, error) {
	if err := m.recheckHealth(ctx); err != nil {
		return nil, err
	}
	if m.State() != sandbox.StateReady {
		return nil, sandbox.ErrNotReady
	}
	full, err := resolveUserPath(userID, relPath)
	if err != nil {
		return nil, err
	}
	if err := m.ensureUserDir(ctx, userID); err != nil {
		return nil, err
	}

	// %Y (file type, symlinks followed), %s (size), %f (name) — avoids
	// depending on locale-sensitive `ls` column widths.
	res, err := m.execIn(ctx, userWorkdir(userID),
		[]string{"find", full, "-maxdepth", "1", "-mindepth", "1",
			"-printf", "%Y\\t%s\\t%f\\n"})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox/docker: list: exit %d: %s", res.ExitCode, res.Stderr)
	}

	var out []sandbox.FileInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		out = append(out, sandbox.FileInfo{
			Name:  fields[2],
			IsDir: fields[0] == "d",
			Size:  size,
		})
	}
	return out, nil
}

// Delete removes a file or empty directory relative to the user's workspace
// root.
func (m *Manager) Delete(ctx context.Context, userID, relPath string) error {
	if err := m.recheckHealth(ctx); err != nil {
		return err
	}
	if m.State() != sandbox.StateReady {
		return sandbox.ErrNotReady
	}
	full, err := resolveUserPath(userID, relPath)
	if err != nil {
		return err
	}
	res, err := m.execIn(ctx, "", []string{"sh", "-c",
		`if [ -d "$1" ]; then rmdir -- "$1"; else rm -f -- "$1"; fi`, "sh", full})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox/docker: delete: exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

// demux splits the raw multiplexed docker exec stream into stdout/stderr.
// types.HijackedResponse.Reader carries the 8-byte-header framed stream
// documented by the Docker Engine API; stdcopy in the real client package
// would normally do this, but is kept inline here to avoid importing an
// internal package.
func demux(r io.Reader, stdout, stderr io.Writer) (int64, error) {
	var written int64
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return written, nil
			}
			return written, err
		}
		size := int64(header[4])<<24 | int64(header[5])<<16 | int64(header[6])<<8 | int64(header[7])
		var dst io.Writer
		if header[0] == 2 {
			dst = stderr
		} else {
			dst = stdout
		}
		n, err := io.CopyN(dst, r, size)
		written += n
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
