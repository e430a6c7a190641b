// Package localfs stores exported content on the local filesystem. Files are
// streamed to a uniquely named temp file in a private directory, fsynced,
// stamped with the remote modification time and renamed into place, so a
// crash never leaves a truncated file under its final name.
package localfs

import (
	"context"
	"crypto/md5" //nolint:gosec // matches the MD5 checksums Drive publishes
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ibrasoft/driveclonr/internal/export"
)

const (
	partialPrefix  = "dl-"
	partialSuffix  = ".partial"
	partialPattern = partialPrefix + "*" + partialSuffix
	dirPerm        = 0o755
	filePerm       = 0o644
)

// ErrOutsideRoot is returned for relative paths that escape the sink root.
var ErrOutsideRoot = errors.New("localfs: path escapes output root")

// Sink writes files under a root directory. In-flight downloads live in
// tmpDir, which must sit on the same filesystem as root and outside every
// path an export can write to.
type Sink struct {
	root   string
	tmpDir string
	logger *slog.Logger
}

// New creates root and tmpDir if needed and returns a sink writing under
// root.
func New(root, tmpDir string, logger *slog.Logger) (*Sink, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolving %s: %w", root, err)
	}

	tmpAbs, err := filepath.Abs(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolving %s: %w", tmpDir, err)
	}

	for _, dir := range []string{abs, tmpAbs} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("localfs: creating %s: %w", dir, err)
		}
	}

	return &Sink{root: abs, tmpDir: tmpAbs, logger: logger}, nil
}

// Root returns the absolute output root.
func (s *Sink) Root() string {
	return s.root
}

// resolve maps a slash-separated relative path to an absolute path inside
// the root.
func (s *Sink) resolve(relPath string) (string, error) {
	local := filepath.FromSlash(relPath)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
	}

	return filepath.Join(s.root, local), nil
}

// Write streams body to relPath atomically and returns what was committed.
func (s *Sink) Write(ctx context.Context, relPath string, body io.Reader, modTime time.Time) (export.Committed, error) {
	target, err := s.resolve(relPath)
	if err != nil {
		return export.Committed{}, fmt.Errorf("%w: %w", export.ErrPermanent, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return export.Committed{}, ioError("creating parent dir for "+relPath, err)
	}

	partial, size, sum, err := s.writePartial(ctx, body)
	if err != nil {
		if partial != "" {
			os.Remove(partial)
		}

		return export.Committed{}, err
	}

	if !modTime.IsZero() {
		if err := os.Chtimes(partial, modTime, modTime); err != nil {
			s.logger.Warn("failed to set mtime",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return export.Committed{}, ioError("renaming partial to "+relPath, err)
	}

	s.logger.Debug("file committed",
		slog.String("path", relPath),
		slog.Int64("size", size),
	)

	return export.Committed{Path: target, Size: size, MD5: sum}, nil
}

// writePartial copies body into a fresh temp file while computing its MD5.
// The temp file name is returned whenever one was created.
func (s *Sink) writePartial(ctx context.Context, body io.Reader) (string, int64, string, error) {
	f, err := os.CreateTemp(s.tmpDir, partialPattern)
	if err != nil {
		return "", 0, "", ioError("creating temp file", err)
	}

	partial := f.Name()

	if err := f.Chmod(filePerm); err != nil {
		f.Close()
		return partial, 0, "", ioError("chmod "+partial, err)
	}

	h := md5.New() //nolint:gosec // integrity check, not security

	size, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: body})
	if err != nil {
		f.Close()
		return partial, 0, "", ioError("writing "+partial, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return partial, 0, "", ioError("syncing "+partial, err)
	}

	if err := f.Close(); err != nil {
		return partial, 0, "", ioError("closing "+partial, err)
	}

	return partial, size, hex.EncodeToString(h.Sum(nil)), nil
}

// isPartialName reports whether name was produced by writePartial.
func isPartialName(name string) bool {
	return strings.HasPrefix(name, partialPrefix) && strings.HasSuffix(name, partialSuffix)
}

// Exists reports whether relPath is a committed regular file.
func (s *Sink) Exists(relPath string) bool {
	target, err := s.resolve(relPath)
	if err != nil {
		return false
	}

	info, err := os.Stat(target)

	return err == nil && info.Mode().IsRegular()
}

// EnsureDir creates the directory for a container so empty folders and
// albums are reproduced.
func (s *Sink) EnsureDir(_ context.Context, relPath string) error {
	target, err := s.resolve(relPath)
	if err != nil {
		return fmt.Errorf("%w: %w", export.ErrPermanent, err)
	}

	if err := os.MkdirAll(target, dirPerm); err != nil {
		return ioError("creating directory "+relPath, err)
	}

	return nil
}

// RemovePartials deletes temp files left in the temp directory by an
// interrupted run and returns how many were removed. Exported files are
// never touched, whatever they are named.
func (s *Sink) RemovePartials() (int, error) {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return 0, fmt.Errorf("localfs: scanning for partial files: %w", err)
	}

	removed := 0

	for _, e := range entries {
		if !e.Type().IsRegular() || !isPartialName(e.Name()) {
			continue
		}

		path := filepath.Join(s.tmpDir, e.Name())
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("cannot remove partial file",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)

			continue
		}

		removed++
	}

	if removed > 0 {
		s.logger.Info("removed partial files", slog.Int("count", removed))
	}

	return removed, nil
}

// ioError classifies a local filesystem error. A full disk or a permission
// problem will not fix itself on retry.
func ioError(op string, err error) error {
	if errors.Is(err, fs.ErrPermission) || isNoSpace(err) {
		return fmt.Errorf("localfs: %s: %w: %w", op, export.ErrPermanent, err)
	}

	return fmt.Errorf("localfs: %s: %w: %w", op, export.ErrTransientIO, err)
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
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
