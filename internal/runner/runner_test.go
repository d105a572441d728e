package runner_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxctl/internal/runner"
	"github.com/cuemby/sandboxctl/internal/volume"
)

type fakeEngine struct {
	mu sync.Mutex

	createErr error
	startErr  error
	waitErr   error
	waitBlock bool // never sends on statusCh/errCh, used to exercise timeout
	statusCode int64

	removed     []string
	removeErr   error
	createCalls int
	lastConfig  *container.Config
}

func newFakeEngine() *fakeEngine { return &fakeEngine{} }

func (f *fakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastConfig = config
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: containerName}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeEngine) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitBlock {
		return statusCh, errCh
	}
	if f.waitErr != nil {
		errCh <- f.waitErr
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.statusCode}
	return statusCh, errCh
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return f.removeErr
}

type fakeVolumes struct {
	handle volume.Handle
	err    error
}

func (v *fakeVolumes) Ensure(ctx context.Context, sessionID string) (volume.Handle, error) {
	if v.err != nil {
		return volume.Handle{}, v.err
	}
	if v.handle.Name == "" {
		return volume.Handle{Name: "sandbox_session_" + sessionID, Driver: "local"}, nil
	}
	return v.handle, nil
}

func newEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestRun_SuccessRemovesContainer(t *testing.T) {
	eng := newFakeEngine()
	eng.statusCode = 0
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	res, err := r.Run(context.Background(), runner.Request{
		Argv:  []string{"python3", "-c", "print(1)"},
		Image: "python-chart-sandbox:latest",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, eng.removed, 1, "container must be torn down after a successful run")
}

func TestRun_NonZeroExitStillTearsDown(t *testing.T) {
	eng := newFakeEngine()
	eng.statusCode = 2
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	res, err := r.Run(context.Background(), runner.Request{Argv: []string{"false"}, Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Len(t, eng.removed, 1)
}

func TestRun_TimeoutTearsDownAndReportsTimeout(t *testing.T) {
	eng := newFakeEngine()
	eng.waitBlock = true
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	_, err := r.Run(context.Background(), runner.Request{
		Argv:    []string{"sleep", "999"},
		Image:   "img",
		Timeout: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Len(t, eng.removed, 1, "timed-out container must still be torn down")
}

func TestRun_MountConflictRejectsBeforeCreate(t *testing.T) {
	eng := newFakeEngine()
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	_, err := r.Run(context.Background(), runner.Request{
		Argv:       []string{"true"},
		Image:      "img",
		WorkingDir: "/workspace",
		SessionID:  "s1",
		TempMounts: []runner.Mount{{HostPath: "/tmp/x", Bind: "/workspace"}},
	})
	require.Error(t, err)
	assert.Equal(t, 0, eng.createCalls, "conflicting request must never reach ContainerCreate")
}

func TestRun_CreateErrorNeverTearsDown(t *testing.T) {
	eng := newFakeEngine()
	eng.createErr = assert.AnError
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	_, err := r.Run(context.Background(), runner.Request{Argv: []string{"true"}, Image: "img"})
	require.Error(t, err)
	assert.Empty(t, eng.removed, "no container was created, nothing to remove")
}

func TestRun_StartErrorStillTearsDown(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = assert.AnError
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	_, err := r.Run(context.Background(), runner.Request{Argv: []string{"true"}, Image: "img"})
	require.Error(t, err)
	assert.Len(t, eng.removed, 1, "a created-but-unstarted container must still be torn down")
}

func TestRun_TeardownErrorIsLoggedNotReturned(t *testing.T) {
	eng := newFakeEngine()
	eng.removeErr = assert.AnError
	r := runner.New(eng, &fakeVolumes{}, newEntry(), nil)

	res, err := r.Run(context.Background(), runner.Request{Argv: []string{"true"}, Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_VolumeFailurePropagates(t *testing.T) {
	eng := newFakeEngine()
	r := runner.New(eng, &fakeVolumes{err: assert.AnError}, newEntry(), nil)

	_, err := r.Run(context.Background(), runner.Request{
		Argv:       []string{"true"},
		Image:      "img",
		WorkingDir: "/workspace",
		SessionID:  "s1",
	})
	require.Error(t, err)
	assert.Equal(t, 0, eng.createCalls)
}

func TestRun_MergesForwardedEnvIntoSessionContainers(t *testing.T) {
	eng := newFakeEngine()
	r := runner.New(eng, &fakeVolumes{}, newEntry(), map[string]string{"API_KEY": "forwarded-secret"})

	_, err := r.Run(context.Background(), runner.Request{
		Argv:       []string{"true"},
		Image:      "img",
		WorkingDir: "/workspace",
		SessionID:  "s1",
	})
	require.NoError(t, err)
	assert.Contains(t, eng.lastConfig.Env, "API_KEY=forwarded-secret")
}

func TestRun_CallerEnvironmentOverridesForwardedEnv(t *testing.T) {
	eng := newFakeEngine()
	r := runner.New(eng, &fakeVolumes{}, newEntry(), map[string]string{"API_KEY": "forwarded-secret"})

	_, err := r.Run(context.Background(), runner.Request{
		Argv:        []string{"true"},
		Image:       "img",
		WorkingDir:  "/workspace",
		SessionID:   "s1",
		Environment: map[string]string{"API_KEY": "caller-value"},
	})
	require.NoError(t, err)
	assert.Contains(t, eng.lastConfig.Env, "API_KEY=caller-value")
}

func TestRun_ForwardedEnvNotAppliedWithoutSession(t *testing.T) {
	eng := newFakeEngine()
	r := runner.New(eng, &fakeVolumes{}, newEntry(), map[string]string{"API_KEY": "forwarded-secret"})

	_, err := r.Run(context.Background(), runner.Request{Argv: []string{"true"}, Image: "img"})
	require.NoError(t, err)
	assert.NotContains(t, eng.lastConfig.Env, "API_KEY=forwarded-secret")
}

func TestParseMemLimit(t *testing.T) {
	cases := map[string]int64{
		"256m": 256 * 1 << 20,
		"1g":   1 << 30,
		"512k": 512 * 1 << 10,
		"100":  100,
	}
	for in, want := range cases {
		got, err := runner.ParseMemLimit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseMemLimit_RejectsGarbage(t *testing.T) {
	_, err := runner.ParseMemLimit("lots")
	assert.Error(t, err)
}
