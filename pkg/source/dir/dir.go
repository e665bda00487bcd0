// Package dir implements a source over a local watch directory.
//
// Acquisition software writes frames into an exported share over several
// seconds. A file is only reported once its size and mtime have been stable
// for the configured settle window, so the estimator never sees a
// half-written micrograph.
package dir

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cryokit/ctfstream/pkg/source"
)

// Config configures a directory source.
type Config struct {
	// Path is the watched directory (required). Files anywhere under it are
	// candidates; item names are reported relative to it, slash-separated.
	Path string

	// Settle is how long a file's size and mtime must remain unchanged
	// across polls before the file is reported. Zero reports files on
	// first sight.
	Settle time.Duration
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("watch path is required")
	}
	if c.Settle < 0 {
		return fmt.Errorf("settle duration must be >= 0")
	}
	return nil
}

// observation is the last stat a pending file was seen with.
type observation struct {
	size      int64
	modTime   time.Time
	firstSeen time.Time
}

// Source watches a directory tree and reports files once settled.
type Source struct {
	root   string
	settle time.Duration

	// pending holds files whose settle window is still running; reported
	// holds files already handed out.
	pending  map[string]observation
	reported map[string]struct{}

	now func() time.Time
}

var _ source.Source = (*Source)(nil)

// New creates a directory source.
//
// The watched directory does not have to exist yet: acquisition software
// often creates the session directory after the run starts. Poll treats a
// missing root as an empty listing.
func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &source.SourceError{Op: "New", Backend: source.BackendDir, Root: cfg.Path, Err: err}
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, &source.SourceError{Op: "New", Backend: source.BackendDir, Root: cfg.Path, Err: err}
	}

	return &Source{
		root:     abs,
		settle:   cfg.Settle,
		pending:  make(map[string]observation),
		reported: make(map[string]struct{}),
		now:      time.Now,
	}, nil
}

// Root returns the absolute watched directory.
func (s *Source) Root() string {
	return s.root
}

// Poll walks the watched tree and returns files that settled since the
// previous call. Each file is reported at most once.
func (s *Source) Poll(ctx context.Context) ([]source.Item, error) {
	now := s.now()
	var items []source.Item

	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files vanishing mid-walk are normal on an active share,
			// and a root that has not been created yet is not an error.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)

		if _, ok := s.reported[name]; ok {
			return nil
		}

		obs, ok := s.pending[name]
		if !ok || obs.size != info.Size() || !obs.modTime.Equal(info.ModTime()) {
			// New file, or still being written: restart the settle clock.
			obs = observation{size: info.Size(), modTime: info.ModTime(), firstSeen: now}
			s.pending[name] = obs
		}
		if now.Sub(obs.firstSeen) < s.settle {
			return nil
		}

		delete(s.pending, name)
		s.reported[name] = struct{}{}
		items = append(items, source.Item{Name: name, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, s.wrapError("Poll", "", walkErr)
	}

	return items, nil
}

// Fetch resolves the named item to its absolute path under the watched root.
func (s *Source) Fetch(ctx context.Context, name string) (string, error) {
	_ = ctx
	full, err := s.fullPath(name)
	if err != nil {
		return "", s.wrapError("Fetch", name, err)
	}

	st, err := os.Stat(full)
	if err != nil {
		return "", s.wrapError("Fetch", name, err)
	}
	if st.IsDir() {
		return "", &source.SourceError{Op: "Fetch", Backend: source.BackendDir, Root: s.root, Name: name, Err: source.ErrNotFound}
	}

	return full, nil
}

// Close releases resources held by the source. Directory sources hold none,
// but this satisfies the interface.
func (s *Source) Close() error {
	return nil
}

// fullPath resolves an item name under the root, rejecting traversal.
func (s *Source) fullPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	clean := filepath.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid item name")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// wrapError normalizes filesystem errors to source sentinels.
func (s *Source) wrapError(op, name string, err error) error {
	wrapped := &source.SourceError{Op: op, Backend: source.BackendDir, Root: s.root, Name: name, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = source.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = source.ErrAccessDenied
	}
	return wrapped
}
