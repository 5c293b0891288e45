// Copyright 2026 The xud-docker-bot Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/exchangeunion/xud-docker-bot/lib/process"
)

// ErrMirrorBusy is returned by OpenMirror when another process holds
// the clone's lock file.
var ErrMirrorBusy = errors.New("mirror is owned by another process")

// Reference is a pushed ref resolved in the mirror.
type Reference struct {
	// Ref is the symbolic ref as pushed, e.g. "refs/heads/master".
	Ref string

	// Revision is the full commit hash the ref pointed at after fetch.
	Revision string

	CommitMessage string
}

// MirrorConfig configures OpenMirror.
type MirrorConfig struct {
	// URL is the upstream clone URL. Required.
	URL string

	// Dir is the working copy location. Required. The lock file is
	// Dir + ".lock".
	Dir string

	// DefaultBranch is the integration branch ("master"). Histories
	// of other branches are measured from it.
	DefaultBranch string

	// HistoryRoot, when set, bounds the default branch's history:
	// commits at or before it are treated as outside the lineage.
	HistoryRoot string

	Logger *slog.Logger
}

// Mirror is a local clone of one upstream repository. The relay owns
// it exclusively: an in-process mutex serializes every method and an
// advisory flock keeps other processes out. HEAD is always detached;
// Mirror never creates or moves local branches.
type Mirror struct {
	mu     sync.Mutex
	repo   *Repository
	config MirrorConfig
	logger *slog.Logger
	lock   *os.File
}

// OpenMirror takes the lock on config.Dir and makes sure a clone of
// config.URL lives there. An existing directory whose origin points
// elsewhere, or that is not a repository at all, is destroyed and
// re-cloned.
func OpenMirror(ctx context.Context, config MirrorConfig) (*Mirror, error) {
	if config.URL == "" {
		return nil, errors.New("git mirror: URL is required")
	}
	if config.Dir == "" {
		return nil, errors.New("git mirror: Dir is required")
	}
	if config.DefaultBranch == "" {
		config.DefaultBranch = "master"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mirror", config.Dir)

	if err := os.MkdirAll(filepath.Dir(config.Dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror parent: %w", err)
	}
	lock, err := acquireLock(config.Dir + ".lock")
	if err != nil {
		return nil, err
	}

	mirror := &Mirror{
		repo:   NewRepository(config.Dir),
		config: config,
		logger: logger,
		lock:   lock,
	}
	if err := mirror.ensure(ctx); err != nil {
		mirror.Close()
		return nil, err
	}
	return mirror, nil
}

func acquireLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mirror lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrMirrorBusy)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return file, nil
}

func (m *Mirror) ensure(ctx context.Context) error {
	if _, err := os.Stat(m.config.Dir); err == nil {
		origin, err := m.repo.Run(ctx, "remote", "get-url", "origin")
		if err == nil && strings.TrimSpace(origin) == m.config.URL {
			return nil
		}
		m.logger.Warn("discarding mirror with unexpected origin",
			"want", m.config.URL, "got", strings.TrimSpace(origin), "error", err)
		if err := os.RemoveAll(m.config.Dir); err != nil {
			return fmt.Errorf("removing stale mirror: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("inspecting mirror directory: %w", err)
	}

	m.logger.Info("cloning mirror", "url", m.config.URL)
	clone := exec.CommandContext(ctx, "git", "clone", "--no-checkout", m.config.URL, m.config.Dir)
	clone.Env = append(clone.Environ(), "GIT_TERMINAL_PROMPT=0")
	if _, err := process.Run(clone); err != nil {
		return fmt.Errorf("cloning %s: %w", m.config.URL, err)
	}
	return nil
}

// Close releases the lock file. The clone stays on disk for reuse.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil {
		return nil
	}
	err := m.lock.Close()
	m.lock = nil
	return err
}

// Dir returns the working copy directory.
func (m *Mirror) Dir() string {
	return m.config.Dir
}

// DefaultBranch returns the configured integration branch.
func (m *Mirror) DefaultBranch() string {
	return m.config.DefaultBranch
}

// Fetch updates remote-tracking refs from origin.
func (m *Mirror) Fetch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.repo.Run(ctx, "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("fetching origin: %w", err)
	}
	return nil
}

// BranchFromRef extracts the branch name from "refs/heads/<branch>".
func BranchFromRef(ref string) (string, error) {
	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	if !ok || branch == "" {
		return "", fmt.Errorf("ref %q is not a branch", ref)
	}
	return branch, nil
}

// CheckoutDetached checks out the remote-tracking counterpart of ref
// ("refs/heads/x" → "refs/remotes/origin/x") with a detached HEAD and
// returns what it resolved to.
func (m *Mirror) CheckoutDetached(ctx context.Context, ref string) (Reference, error) {
	branch, err := BranchFromRef(ref)
	if err != nil {
		return Reference{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkoutLocked(ctx, remoteRef(branch)); err != nil {
		return Reference{}, err
	}
	revision, err := m.repo.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return Reference{}, fmt.Errorf("resolving HEAD: %w", err)
	}
	revision = strings.TrimSpace(revision)
	message, err := m.repo.Run(ctx, "log", "-1", "--format=%B", revision)
	if err != nil {
		return Reference{}, fmt.Errorf("reading commit message of %s: %w", revision, err)
	}
	return Reference{Ref: ref, Revision: revision, CommitMessage: trimMessage(message)}, nil
}

// CheckoutRevision detaches HEAD at an arbitrary commit.
func (m *Mirror) CheckoutRevision(ctx context.Context, revision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkoutLocked(ctx, revision)
}

func (m *Mirror) checkoutLocked(ctx context.Context, target string) error {
	if _, err := m.repo.Run(ctx, "checkout", "--quiet", "--force", "--detach", target); err != nil {
		return fmt.Errorf("checking out %s: %w", target, err)
	}
	return nil
}

// CommitMessage returns the full message of revision. The boolean is
// false when the revision does not exist in the mirror; that is not an
// error.
func (m *Mirror) CommitMessage(ctx context.Context, revision string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.repo.Run(ctx, "cat-file", "-e", revision+"^{commit}"); err != nil {
		if commandError, ok := process.AsCommandError(err); ok && commandError.ExitCode > 0 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("looking up %s: %w", revision, err)
	}
	message, err := m.repo.Run(ctx, "log", "-1", "--format=%B", revision)
	if err != nil {
		return "", false, fmt.Errorf("reading commit message of %s: %w", revision, err)
	}
	return trimMessage(message), true, nil
}

// HistoryUpTo lists commit hashes newest first. For the default branch
// it is every commit after HistoryRoot (or the whole history when no
// root is configured); for any other branch it is the commits the
// branch has that the default branch lacks.
func (m *Mirror) HistoryUpTo(ctx context.Context, branch string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var revisionRange string
	switch {
	case branch != m.config.DefaultBranch:
		revisionRange = remoteRef(m.config.DefaultBranch) + ".." + remoteRef(branch)
	case m.config.HistoryRoot != "":
		revisionRange = m.config.HistoryRoot + ".." + remoteRef(branch)
	default:
		revisionRange = remoteRef(branch)
	}

	output, err := m.repo.Run(ctx, "log", "--pretty=format:%H", revisionRange)
	if err != nil {
		return nil, fmt.Errorf("listing history %s: %w", revisionRange, err)
	}
	return splitLines(output), nil
}

// DiffPath lists files under path (relative to the repository root)
// that differ between revision and the working tree. Empty means no
// change.
func (m *Mirror) DiffPath(ctx context.Context, revision, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.repo.Run(ctx, "diff", "--name-only", revision, "--", path)
	if err != nil {
		return nil, fmt.Errorf("diffing %s against %s: %w", path, revision, err)
	}
	return splitLines(output), nil
}

// Subdirectories returns the sorted names of the directories directly
// under path in the working tree. Hidden entries are skipped.
func (m *Mirror) Subdirectories(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(m.config.Dir, path))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func remoteRef(branch string) string {
	return "refs/remotes/origin/" + branch
}

func trimMessage(message string) string {
	return strings.TrimRight(message, "\n")
}

func splitLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
