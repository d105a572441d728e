// Package fileops implements list/read/write/delete/mkdir against a
// session's workspace by shelling out through ContainerRunner and
// classifying the resulting stderr text, since the sandbox image
// carries no persistent agent to talk to. Grounded on
// original_source/src/api/files.py's five handlers.
package fileops

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/cuemby/sandboxctl/internal/pathguard"
	"github.com/cuemby/sandboxctl/internal/runner"
	"github.com/cuemby/sandboxctl/internal/sberrors"
)

// Runner is the slice of *runner.Runner the facade depends on.
type Runner interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

// EntryType classifies one directory listing entry.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
	TypeLink      EntryType = "link"
)

// Entry is one row of a directory listing.
type Entry struct {
	Name string
	Type EntryType
}

// Facade composes PathGuard and ContainerRunner into the five
// workspace file operations.
type Facade struct {
	runner  Runner
	guard   pathguard.Guard
	image   string
	network string
	log     *logrus.Entry
}

// New constructs a Facade. image is the sandbox image every shell
// probe runs in; network is always "none" per spec (file operations
// never need outside access).
func New(r Runner, guard pathguard.Guard, image string, log *logrus.Entry) *Facade {
	return &Facade{runner: r, guard: guard, image: image, network: "none", log: log}
}

// List returns the entries of the directory at userPath.
func (f *Facade) List(ctx context.Context, sessionID, userPath string) ([]Entry, pathguard.ResolvedPath, error) {
	resolved, err := f.guard.Resolve(userPath)
	if err != nil {
		return nil, resolved, err
	}

	cmd := fmt.Sprintf("cd -- %s && ls -AF", shellQuote(resolved.String()))
	res, err := f.run(ctx, sessionID, cmd)
	if err != nil {
		return nil, resolved, err
	}
	if res.ExitCode != 0 {
		return nil, resolved, classify(res.Stderr, resolved.String())
	}
	return parseListing(res.Stdout), resolved, nil
}

// Read returns the content of the file at userPath.
func (f *Facade) Read(ctx context.Context, sessionID, userPath string) (string, pathguard.ResolvedPath, error) {
	resolved, err := f.guard.Resolve(userPath)
	if err != nil {
		return "", resolved, err
	}

	cmd := fmt.Sprintf("cat -- %s", shellQuote(resolved.String()))
	res, err := f.run(ctx, sessionID, cmd)
	if err != nil {
		return "", resolved, err
	}
	if res.ExitCode != 0 {
		return "", resolved, classify(res.Stderr, resolved.String())
	}
	return res.Stdout, resolved, nil
}

// maxWriteContentBytes bounds write() payloads. The content is
// interpolated into a single shell argument; this is comfortably under
// every engine's argv/env byte limit.
const maxWriteContentBytes = 512 * 1024

// Write creates (or overwrites) the file at userPath with content.
func (f *Facade) Write(ctx context.Context, sessionID, userPath, content string) (pathguard.ResolvedPath, error) {
	resolved, err := f.guard.Resolve(userPath)
	if err != nil {
		return resolved, err
	}
	if len(content) > maxWriteContentBytes {
		return resolved, sberrors.PayloadTooLargef("write content exceeds %d bytes", maxWriteContentBytes)
	}

	parent := parentOf(resolved.String())
	cmd := fmt.Sprintf("mkdir -p -- %s && printf '%%s' %s > %s",
		shellQuote(parent), shellQuote(content), shellQuote(resolved.String()))
	res, err := f.run(ctx, sessionID, cmd)
	if err != nil {
		return resolved, err
	}
	if res.ExitCode != 0 {
		return resolved, classify(res.Stderr, resolved.String())
	}
	return resolved, nil
}

// Delete removes the file or directory at userPath. Deleting an
// already-absent path is treated as success (spec preserves this
// behavior even though some callers may expect 404).
func (f *Facade) Delete(ctx context.Context, sessionID, userPath string) (pathguard.ResolvedPath, error) {
	resolved, err := f.guard.Resolve(userPath)
	if err != nil {
		return resolved, err
	}
	if resolved.IsRoot(f.guard.Root()) {
		return resolved, sberrors.BadRequestf("cannot delete workspace root")
	}

	cmd := fmt.Sprintf("rm -rf -- %s", shellQuote(resolved.String()))
	res, err := f.run(ctx, sessionID, cmd)
	if err != nil {
		return resolved, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "Permission denied") {
			return resolved, sberrors.Forbiddenf("delete %s", resolved)
		}
		// Other nonzero exits: the goal (absence) is achieved or the
		// failure is benign; logged and reported as success.
		if f.log != nil {
			f.log.WithField("path", resolved.String()).WithField("stderr", res.Stderr).Warn("delete reported a nonzero exit, treating as success")
		}
	}
	return resolved, nil
}

// Mkdir creates the directory at userPath, including parents.
func (f *Facade) Mkdir(ctx context.Context, sessionID, userPath string) (pathguard.ResolvedPath, error) {
	resolved, err := f.guard.Resolve(userPath)
	if err != nil {
		return resolved, err
	}

	cmd := fmt.Sprintf("mkdir -p -- %s", shellQuote(resolved.String()))
	res, err := f.run(ctx, sessionID, cmd)
	if err != nil {
		return resolved, err
	}
	if res.ExitCode != 0 {
		return resolved, classify(res.Stderr, resolved.String())
	}
	return resolved, nil
}

func (f *Facade) run(ctx context.Context, sessionID, shellCmd string) (runner.Result, error) {
	return f.runner.Run(ctx, runner.Request{
		Argv:       []string{"/bin/sh", "-c", shellCmd},
		Image:      f.image,
		WorkingDir: f.guard.Root(),
		SessionID:  sessionID,
		Network:    f.network,
	})
}

// classify maps a shell probe's stderr text to the error taxonomy per
// spec.md §4.6's pattern table.
func classify(stderr, path string) error {
	switch {
	case strings.Contains(stderr, "No such file or directory"):
		return sberrors.NotFoundf("%s", path)
	case strings.Contains(stderr, "Permission denied"):
		return sberrors.Forbiddenf("%s", path)
	case strings.Contains(stderr, "Is a directory"):
		return sberrors.BadRequestf("%s is a directory", path)
	case strings.Contains(stderr, "File exists"):
		return sberrors.Conflictf("%s already exists", path)
	default:
		return sberrors.EngineErrorf("shell probe against %s: %s", path, strings.TrimSpace(stderr))
	}
}

// parseListing implements spec.md §4.6's ls -AF parse rule: strip the
// trailing type marker, classify, and drop "." and ".." defensively.
func parseListing(stdout string) []Entry {
	lines := lo.Filter(strings.Split(stdout, "\n"), func(line string, _ int) bool {
		return line != ""
	})
	entries := lo.FilterMap(lines, func(line string, _ int) (Entry, bool) {
		entry := parseListingLine(line)
		return entry, entry.Name != "." && entry.Name != ".."
	})
	return entries
}

func parseListingLine(line string) Entry {
	switch {
	case strings.HasSuffix(line, "/"):
		return Entry{Name: strings.TrimSuffix(line, "/"), Type: TypeDirectory}
	case strings.HasSuffix(line, "@"):
		return Entry{Name: strings.TrimSuffix(line, "@"), Type: TypeLink}
	case strings.HasSuffix(line, "*"):
		return Entry{Name: strings.TrimSuffix(line, "*"), Type: TypeFile}
	default:
		return Entry{Name: line, Type: TypeFile}
	}
}

// shellQuote implements spec.md §4.6's write-safety rule: wrap in
// single quotes, escaping any internal single quote as '\''.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parentOf(absPath string) string {
	idx := strings.LastIndex(absPath, "/")
	if idx <= 0 {
		return "/"
	}
	return absPath[:idx]
}
