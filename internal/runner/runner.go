// Package runner implements the ContainerRunner: spawn a single
// ephemeral container, wait for it under a hard timeout, collect its
// output, and force-remove it on every exit path. Grounded on
// spec.md §4.3's Configuring -> Launched -> Waiting -> Collecting ->
// Teardown state machine and on the teacher's pkg/commands/container.go
// call shapes against *client.Client.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"dario.cat/mergo"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/cuemby/sandboxctl/internal/sberrors"
	"github.com/cuemby/sandboxctl/internal/volume"
)

// EngineClient is the narrow slice of the docker engine API the runner
// needs. *client.Client satisfies this structurally; the signature
// below mirrors it exactly so that structural satisfaction holds.
type EngineClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// VolumeEnsurer is the slice of volume.Registry the runner depends on.
type VolumeEnsurer interface {
	Ensure(ctx context.Context, sessionID string) (volume.Handle, error)
}

// Mount is a one-shot host-path bind mount (spec.md §4.3 temp_mounts).
type Mount struct {
	HostPath string
	Bind     string
	ReadOnly bool
}

// Request is the full set of spec.md §4.3 ContainerRunner inputs.
type Request struct {
	Argv        []string
	Image       string
	WorkingDir  string
	SessionID   string // optional
	TempMounts  []Mount
	Environment map[string]string // optional, caller-supplied
	Timeout     time.Duration
	Network     string // "none" | "bridge"
	MemoryLimit string
}

// Result is spec.md §3's ExecutionResult triple. ExitCode -1 means
// "unknown" (wait failed, container may have produced partial output).
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

const unknownExitCode = -1

// Runner executes one-shot containers.
type Runner struct {
	client     EngineClient
	volumes    VolumeEnsurer
	log        *logrus.Entry
	forwardEnv map[string]string
}

// New constructs a Runner. forwardEnv holds operator-configured
// variables (spec.md §6.4's FORWARD_ENV_FILE) merged into every
// session-scoped container's environment; nil or empty is fine.
func New(client EngineClient, volumes VolumeEnsurer, log *logrus.Entry, forwardEnv map[string]string) *Runner {
	return &Runner{client: client, volumes: volumes, log: log, forwardEnv: forwardEnv}
}

// Run executes req in a fresh, uniquely-named container and always
// force-removes it before returning, regardless of success, timeout, or
// error (spec.md §4.3's Teardown invariant).
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	name := fmt.Sprintf("sandbox-helper-%s", uuid.New().String())
	entry := r.log.WithField("container", name)

	// --- Configuring ---
	mounts, env, err := r.configure(ctx, req)
	if err != nil {
		entry.WithError(err).Error("configuration failed")
		return Result{ExitCode: unknownExitCode}, err
	}

	// --- Launched ---
	containerConfig := &container.Config{
		Image:      req.Image,
		Cmd:        req.Argv,
		WorkingDir: req.WorkingDir,
		Env:        env,
	}
	hostConfig := &container.HostConfig{
		Mounts:      toDockerMounts(mounts),
		NetworkMode: container.NetworkMode(networkOrDefault(req.Network)),
	}
	memLimit := req.MemoryLimit
	if memLimit == "" {
		memLimit = "256m"
	}
	memBytes, parseErr := ParseMemLimit(memLimit)
	if parseErr != nil {
		return Result{ExitCode: unknownExitCode}, sberrors.BadConfigf("invalid memory_limit %q: %v", memLimit, parseErr)
	}
	hostConfig.Resources = container.Resources{Memory: memBytes}

	created, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		entry.WithError(err).Error("container create failed")
		return Result{ExitCode: unknownExitCode}, sberrors.EngineErrorf("create container: %v", err)
	}
	containerID := created.ID

	// Teardown runs on every exit path from here on.
	defer r.teardown(entry, containerID)

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		entry.WithError(err).Error("container start failed")
		return Result{ExitCode: unknownExitCode}, sberrors.EngineErrorf("start container: %v", err)
	}

	// --- Waiting ---
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, waitErr := r.wait(waitCtx, containerID)

	// --- Collecting --- (runs even after a timeout, per spec.md §4.3:
	// "proceed to collection and teardown so logs captured before the
	// deadline are still returned to operator logs")
	stdout, stderr := r.collectLogs(ctx, containerID, entry)

	if waitErr != nil {
		if waitCtx.Err() != nil {
			entry.Warn("container wait timed out")
			return Result{ExitCode: unknownExitCode, Stdout: stdout, Stderr: stderr}, sberrors.Timeoutf("container execution timed out after %s", timeout)
		}
		entry.WithError(waitErr).Error("container wait failed")
		return Result{ExitCode: unknownExitCode, Stdout: stdout, Stderr: stderr}, nil
	}

	return Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// configure resolves the session volume (if any), detects mount
// conflicts, and merges the default environment with the caller's
// override, implementing spec.md §4.3's Configuring step.
func (r *Runner) configure(ctx context.Context, req Request) ([]mountSpec, []string, error) {
	mounts := make([]mountSpec, 0, len(req.TempMounts)+1)
	boundPaths := make(map[string]bool, len(req.TempMounts))

	for _, m := range req.TempMounts {
		mounts = append(mounts, mountSpec{source: m.HostPath, target: m.Bind, readOnly: m.ReadOnly})
		boundPaths[m.Bind] = true
	}

	if req.SessionID != "" {
		if boundPaths[req.WorkingDir] {
			return nil, nil, sberrors.BadConfigf("mount conflict: %q is already claimed by a temporary mount", req.WorkingDir)
		}
		vol, err := r.volumes.Ensure(ctx, req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		mounts = append(mounts, mountSpec{source: vol.Name, target: req.WorkingDir, isVolume: true})
	}

	defaults := map[string]string{}
	if req.SessionID != "" {
		defaults["PYTHONUSERBASE"] = req.WorkingDir + "/.local"
		defaults["PATH"] = req.WorkingDir + "/.local/bin:" + defaultPath
	}
	merged := map[string]string{}
	for k, v := range defaults {
		merged[k] = v
	}
	// Operator-forwarded variables (spec.md §6.4) apply to every
	// session container, beneath the caller's own Environment.
	if req.SessionID != "" {
		if err := mergo.Merge(&merged, r.forwardEnv, mergo.WithOverride); err != nil {
			return nil, nil, sberrors.BadConfigf("merge forwarded environment: %v", err)
		}
	}
	if err := mergo.Merge(&merged, req.Environment, mergo.WithOverride); err != nil {
		return nil, nil, sberrors.BadConfigf("merge environment: %v", err)
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}

	return mounts, env, nil
}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// mountSpec is the runner's own bookkeeping shape, kept separate from
// mount.Mount so configure's conflict detection doesn't depend on the
// docker SDK's mount-type constants.
type mountSpec struct {
	source   string
	target   string
	readOnly bool
	isVolume bool
}

func toDockerMounts(specs []mountSpec) []mount.Mount {
	out := make([]mount.Mount, 0, len(specs))
	for _, m := range specs {
		t := mount.TypeBind
		if m.isVolume {
			t = mount.TypeVolume
		}
		out = append(out, mount.Mount{
			Type:     t,
			Source:   m.source,
			Target:   m.target,
			ReadOnly: m.readOnly,
		})
	}
	return out
}

func (r *Runner) wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return unknownExitCode, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return unknownExitCode, ctx.Err()
	}
}

func (r *Runner) collectLogs(ctx context.Context, containerID string, entry *logrus.Entry) (string, string) {
	rc, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		entry.WithError(err).Warn("failed to retrieve container logs")
		return "", ""
	}
	defer rc.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, rc); err != nil && err != io.EOF {
		entry.WithError(err).Warn("error demultiplexing container logs")
	}
	return stdoutBuf.String(), stderrBuf.String()
}

// teardown force-removes the container. Errors are logged and never
// propagated, matching spec.md §4.3's Teardown invariant.
func (r *Runner) teardown(entry *logrus.Entry, containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		entry.WithError(err).Error("failed to remove container")
	}
}

func networkOrDefault(mode string) string {
	if mode == "" {
		return "none"
	}
	return mode
}
