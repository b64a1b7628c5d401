// Package filestore reads and writes files under the gateway's file root.
// Every access goes through a pathguard.Resolved and is re-verified right
// before touching the filesystem.
package filestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/pathguard"
)

const (
	listBatch = 256
	fileMode  = 0o644
	dirMode   = 0o755
)

// ErrIteratorConsumed is yielded when a listing is ranged over twice.
var ErrIteratorConsumed = errors.New("listing already consumed")

type Store struct {
	guard      *pathguard.Guard
	maxBytes   int64
	extensions map[string]struct{}
	showHidden bool
	log        zerolog.Logger
}

func New(guard *pathguard.Guard, cfg config.FilesConfig, log zerolog.Logger) *Store {
	s := &Store{
		guard:      guard,
		maxBytes:   cfg.MaxUploadBytes,
		showHidden: cfg.ShowHidden,
		log:        log,
	}
	if len(cfg.AllowedExtensions) > 0 {
		s.extensions = make(map[string]struct{}, len(cfg.AllowedExtensions))
		for _, ext := range cfg.AllowedExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.extensions[ext] = struct{}{}
		}
	}
	return s
}

func (s *Store) Guard() *pathguard.Guard { return s.guard }

func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Put streams src into r. The data lands in a temp file next to the target
// and is renamed into place only after it was fully written and synced, so
// readers never observe a partial file. maxBytes <= 0 uses the configured cap.
func (s *Store) Put(ctx context.Context, r pathguard.Resolved, src io.Reader, maxBytes int64) (model.StoredFile, error) {
	if r.IsZero() || r.IsRoot() {
		return model.StoredFile{}, model.NewError(model.KindRejectedPath, model.ReasonMalformed, nil)
	}
	if maxBytes <= 0 {
		maxBytes = s.maxBytes
	}
	if !s.extensionAllowed(r.RelPath()) {
		return model.StoredFile{}, model.NewError(model.KindRejectedPath, model.ReasonExtension, nil)
	}

	target, err := s.guard.Verify(r)
	if err != nil {
		return model.StoredFile{}, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("create parent: %w", err))
	}
	// Parents may have been created through a racing symlink; check again.
	if target, err = s.guard.Verify(r); err != nil {
		return model.StoredFile{}, err
	}
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		return model.StoredFile{}, model.NewError(model.KindRejectedPath, model.ReasonMalformed, nil)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*.tmp")
	if err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("create temp: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(&ctxReader{ctx: ctx, r: src}, maxBytes+1))
	if err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("write upload: %w", err))
	}
	if n > maxBytes {
		return model.StoredFile{}, model.NewError(model.KindTooLarge, "", nil)
	}
	if err := tmp.Sync(); err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("sync upload: %w", err))
	}
	if err := tmp.Chmod(fileMode); err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("chmod upload: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("close upload: %w", err))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("rename upload: %w", err))
	}
	committed = true

	info, err := os.Stat(target)
	if err != nil {
		return model.StoredFile{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("stat upload: %w", err))
	}
	s.log.Debug().Str("path", r.RelPath()).Int64("bytes", info.Size()).Msg("file stored")
	return model.StoredFile{RelPath: r.RelPath(), Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Get opens r for streaming. Missing files and directories are NotFound.
func (s *Store) Get(r pathguard.Resolved) (io.ReadCloser, model.StoredFile, error) {
	if r.IsZero() || r.IsRoot() {
		return nil, model.StoredFile{}, model.NewError(model.KindRejectedPath, model.ReasonMalformed, nil)
	}
	target, err := s.guard.Verify(r)
	if err != nil {
		return nil, model.StoredFile{}, err
	}
	// target is already symlink-resolved; a link appearing there now is a swap.
	f, err := os.OpenFile(target, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.StoredFile{}, model.NewError(model.KindNotFound, "", err)
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, model.StoredFile{}, model.NewError(model.KindRejectedPath, model.ReasonOutsideRoot, nil)
		}
		return nil, model.StoredFile{}, model.NewError(model.KindIOFailure, "", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, model.StoredFile{}, model.NewError(model.KindIOFailure, "", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, model.StoredFile{}, model.NewError(model.KindNotFound, "", errors.New("not a regular file"))
	}
	return f, model.StoredFile{RelPath: r.RelPath(), Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// List returns a single-use sequence over one directory level. Directories
// sort before files. Symlinks are reported, never followed.
func (s *Store) List(r pathguard.Resolved) (iter.Seq2[model.FileEntry, error], error) {
	if r.IsZero() {
		return nil, model.NewError(model.KindRejectedPath, model.ReasonMalformed, nil)
	}
	target, err := s.guard.Verify(r)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewError(model.KindNotFound, "", err)
		}
		return nil, model.NewError(model.KindIOFailure, "", err)
	}
	if !info.IsDir() {
		return nil, model.NewError(model.KindNotFound, "", errors.New("not a directory"))
	}

	var used atomic.Bool
	return func(yield func(model.FileEntry, error) bool) {
		if used.Swap(true) {
			yield(model.FileEntry{}, ErrIteratorConsumed)
			return
		}
		entries, err := s.readDir(r, target)
		if err != nil {
			yield(model.FileEntry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

func (s *Store) readDir(r pathguard.Resolved, dir string) ([]model.FileEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, model.NewError(model.KindIOFailure, "", err)
	}
	defer f.Close()

	var out []model.FileEntry
	for {
		batch, err := f.ReadDir(listBatch)
		for _, de := range batch {
			name := de.Name()
			if !s.showHidden && strings.HasPrefix(name, ".") {
				continue
			}
			info, ierr := de.Info()
			if ierr != nil {
				// removed while listing
				continue
			}
			rel := name
			if !r.IsRoot() {
				rel = path.Join(r.RelPath(), name)
			}
			entry := model.FileEntry{
				Name:    name,
				RelPath: rel,
				Type:    entryType(info.Mode()),
				ModTime: info.ModTime().UTC(),
			}
			if entry.Type == model.EntryFile {
				entry.Size = info.Size()
			}
			out = append(out, entry)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, model.NewError(model.KindIOFailure, "", err)
		}
	}
	slices.SortFunc(out, func(a, b model.FileEntry) int {
		ad, bd := a.Type == model.EntryDir, b.Type == model.EntryDir
		if ad != bd {
			if ad {
				return -1
			}
			return 1
		}
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out, nil
}

func entryType(mode fs.FileMode) model.EntryType {
	switch {
	case mode&fs.ModeSymlink != 0:
		return model.EntrySymlink
	case mode.IsDir():
		return model.EntryDir
	case mode.IsRegular():
		return model.EntryFile
	default:
		return model.EntryOther
	}
}

func (s *Store) extensionAllowed(rel string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	_, ok := s.extensions[strings.ToLower(path.Ext(rel))]
	return ok
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
