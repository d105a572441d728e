package volume_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxctl/internal/sberrors"
	"github.com/cuemby/sandboxctl/internal/volume"
)

type fakeEngine struct {
	mu                sync.Mutex
	volumes           map[string]dockervolume.Volume
	hiddenFromInspect  map[string]bool
	inspectErr        error
	createErr         error
	createCalls       int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{volumes: map[string]dockervolume.Volume{}, hiddenFromInspect: map[string]bool{}}
}

func (f *fakeEngine) VolumeInspect(ctx context.Context, name string) (dockervolume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.volumes[name]; ok && !f.hiddenFromInspect[name] {
		return v, nil
	}
	if f.inspectErr != nil {
		return dockervolume.Volume{}, f.inspectErr
	}
	return dockervolume.Volume{}, errdefs.NotFound(errors.New("no such volume: " + name))
}

func (f *fakeEngine) VolumeCreate(ctx context.Context, opts dockervolume.CreateOptions) (dockervolume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return dockervolume.Volume{}, f.createErr
	}
	v := dockervolume.Volume{Name: opts.Name, Driver: opts.Driver}
	f.volumes[opts.Name] = v
	return v, nil
}

func (f *fakeEngine) VolumeList(ctx context.Context, opts dockervolume.ListOptions) (dockervolume.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*dockervolume.Volume
	for name, v := range f.volumes {
		v := v
		if matchesNameFilter(opts, name) {
			out = append(out, &v)
		}
	}
	return dockervolume.ListResponse{Volumes: out}, nil
}

func matchesNameFilter(opts dockervolume.ListOptions, name string) bool {
	for _, v := range opts.Filters.Get("name") {
		if v == name {
			return true
		}
	}
	return len(opts.Filters.Get("name")) == 0
}

func TestEnsure_CreatesOnFirstUse(t *testing.T) {
	eng := newFakeEngine()
	reg := volume.NewRegistry(eng, logrus.NewEntry(logrus.New()))

	h, err := reg.Ensure(context.Background(), "my-session")
	require.NoError(t, err)
	assert.Equal(t, "sandbox_session_my-session", h.Name)
	assert.Equal(t, 1, eng.createCalls)
}

func TestEnsure_IsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	reg := volume.NewRegistry(eng, logrus.NewEntry(logrus.New()))

	h1, err := reg.Ensure(context.Background(), "s1")
	require.NoError(t, err)
	h2, err := reg.Ensure(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, h1.Name, h2.Name)
	assert.Equal(t, 1, eng.createCalls, "second Ensure should hit the cache, not recreate")
}

func TestEnsure_SanitizesAndTruncatesName(t *testing.T) {
	longID := strings.Repeat("a/b ", 30) // contains unsafe chars, very long
	name := volume.NameFor(longID)

	assert.True(t, strings.HasPrefix(name, "sandbox_session_"))
	assert.LessOrEqual(t, len(name), len("sandbox_session_")+50)
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, " ")
}

func TestEnsure_StorageUnavailableWhenEngineUnreachable(t *testing.T) {
	eng := newFakeEngine()
	eng.createErr = errors.New("connection refused")
	reg := volume.NewRegistry(eng, logrus.NewEntry(logrus.New()))

	_, err := reg.Ensure(context.Background(), "broken")
	require.Error(t, err)
}

func TestEnsure_FailsFastOnNonNotFoundInspectError(t *testing.T) {
	eng := newFakeEngine()
	eng.inspectErr = errors.New("connection reset by peer")
	reg := volume.NewRegistry(eng, logrus.NewEntry(logrus.New()))

	_, err := reg.Ensure(context.Background(), "outage")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sberrors.ErrStorageUnavailable))
	assert.Equal(t, 0, eng.createCalls, "a genuine inspect failure must not attempt create")
}

func TestEnsure_RetriesLookupOnCreateConflict(t *testing.T) {
	eng := newFakeEngine()
	// Simulate a concurrent creator winning the race: by the time our
	// VolumeCreate call fails, the volume already exists and shows up
	// in VolumeList.
	name := volume.NameFor("race")
	eng.volumes[name] = dockervolume.Volume{Name: name, Driver: "local"}
	eng.hiddenFromInspect[name] = true
	eng.createErr = errors.New("volume already exists")

	reg := volume.NewRegistry(eng, logrus.NewEntry(logrus.New()))
	h, err := reg.Ensure(context.Background(), "race")
	require.NoError(t, err)
	assert.Equal(t, name, h.Name)
}
