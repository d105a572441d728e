// Package volume implements the session volume manager: lookup,
// lazy creation, and naming of the durable per-session workspace
// volumes described in spec.md §3 and §4.2.
package volume

import (
	"context"
	"regexp"
	"sync"

	"github.com/docker/docker/api/types/filters"
	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/cuemby/sandboxctl/internal/sberrors"
)

// sessionVolumePrefix and the sanitization rule are fixed by spec.md §3.
const (
	sessionVolumePrefix  = "sandbox_session_"
	maxSanitizedNameChars = 50
)

var unsafeNameChar = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

// EngineClient is the narrow slice of the docker engine API the
// registry needs. The real *client.Client (github.com/docker/docker/client)
// satisfies this structurally; tests supply a fake.
type EngineClient interface {
	VolumeInspect(ctx context.Context, volumeID string) (dockervolume.Volume, error)
	VolumeCreate(ctx context.Context, options dockervolume.CreateOptions) (dockervolume.Volume, error)
	VolumeList(ctx context.Context, options dockervolume.ListOptions) (dockervolume.ListResponse, error)
}

// Handle is the durable identity of a session's volume.
type Handle struct {
	Name   string
	Driver string
}

// Registry names, looks up, and lazily creates per-session volumes.
// Safe for concurrent use: the only mutable state is a positive-only
// cache in a sync.Map. A name is stored only after a successful
// inspect, create or list lookup, so a failed engine call leaves
// nothing cached; entries are never removed.
type Registry struct {
	client EngineClient
	log    *logrus.Entry
	cache  sync.Map // name -> struct{}
}

// NewRegistry constructs a Registry over an engine client.
func NewRegistry(client EngineClient, log *logrus.Entry) *Registry {
	return &Registry{client: client, log: log}
}

// SanitizeName applies spec.md §3's sanitization rule: replace every
// character outside [A-Za-z0-9_.-] with '_' and truncate to 50 chars.
func SanitizeName(sessionID string) string {
	sanitized := unsafeNameChar.ReplaceAllString(sessionID, "_")
	if len(sanitized) > maxSanitizedNameChars {
		sanitized = sanitized[:maxSanitizedNameChars]
	}
	return sanitized
}

// NameFor returns the volume name for a session ID.
func NameFor(sessionID string) string {
	return sessionVolumePrefix + SanitizeName(sessionID)
}

// Ensure returns the Handle for sessionID's volume, creating it if it
// does not already exist. Idempotent; concurrent calls for the same
// session converge on the same underlying volume because the engine's
// create is itself idempotent on name collision (spec.md §4.2).
func (r *Registry) Ensure(ctx context.Context, sessionID string) (Handle, error) {
	name := NameFor(sessionID)

	if _, ok := r.cache.Load(name); ok {
		return Handle{Name: name, Driver: "local"}, nil
	}

	vol, err := r.client.VolumeInspect(ctx, name)
	if err == nil {
		r.cache.Store(name, struct{}{})
		return Handle{Name: vol.Name, Driver: vol.Driver}, nil
	}
	if !errdefs.IsNotFound(err) {
		return Handle{}, sberrors.StorageUnavailablef("inspect session volume %q: %v", name, err)
	}

	r.log.WithField("volume", name).WithError(err).Debug("volume not found, creating")

	vol, createErr := r.client.VolumeCreate(ctx, dockervolume.CreateOptions{
		Name:   name,
		Driver: "local",
	})
	if createErr == nil {
		r.cache.Store(name, struct{}{})
		return Handle{Name: vol.Name, Driver: vol.Driver}, nil
	}

	// Another caller may have created it concurrently: retry the lookup
	// once via a filtered list before surfacing failure.
	r.log.WithField("volume", name).WithError(createErr).Warn("volume create failed, retrying lookup")

	listed, listErr := r.client.VolumeList(ctx, dockervolume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if listErr == nil {
		if found, ok := lo.Find(listed.Volumes, func(v *dockervolume.Volume) bool { return v.Name == name }); ok {
			r.cache.Store(name, struct{}{})
			return Handle{Name: found.Name, Driver: found.Driver}, nil
		}
	}

	return Handle{}, sberrors.StorageUnavailablef("create or locate session volume %q", name)
}
