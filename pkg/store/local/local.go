// Package local implements store.Store on the local filesystem, publishing
// files via create-temp, write, rename for atomicity on the cache's mount.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/pkgcache/pkg/store"
)

const (
	fileMode        = 0o400
	dirMode         = 0o700
	otelPackageName = "github.com/kalbasit/pkgcache/pkg/store/local"
)

var (
	// ErrPathMustBeAbsolute is returned if the given path to New was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given path to New did not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given path to New is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")

	// ErrPathMustBeWritable is returned if the given path to New is not writable.
	ErrPathMustBeWritable = errors.New("path must be writable")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is a store.Store backed by a directory on the local filesystem. It
// lays out "cache/" for published resources and "temp/" for in-progress
// downloads, both under the same root so renames stay atomic.
type Store struct {
	root string
}

// New validates root and returns a Store rooted there, creating the cache
// and temp subdirectories (and clearing any stale temp files left behind by
// a prior, unclean shutdown).
func New(ctx context.Context, root string) (*Store, error) {
	if err := validatePath(ctx, root); err != nil {
		return nil, err
	}

	s := &Store{root: root}

	if err := s.setupDirs(); err != nil {
		return nil, fmt.Errorf("error setting up the store directories: %w", err)
	}

	return s, nil
}

var _ store.Store = (*Store)(nil)

// Exists returns true if the store has a published file for resource.
func (s *Store) Exists(ctx context.Context, resource string) bool {
	filePath, err := s.sanitizePath(resource)
	if err != nil {
		return false
	}

	_, span := tracer.Start(
		ctx,
		"local.Exists",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("resource", resource)),
	)
	defer span.End()

	_, err = os.Stat(filePath)

	return err == nil
}

// Open returns the cached file for resource. The caller must close it.
func (s *Store) Open(ctx context.Context, resource string) (int64, io.ReadCloser, error) {
	filePath, err := s.sanitizePath(resource)
	if err != nil {
		return 0, nil, err
	}

	_, span := tracer.Start(
		ctx,
		"local.Open",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("resource", resource)),
	)
	defer span.End()

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, store.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stat'ing %q: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, nil, fmt.Errorf("error opening %q: %w", filePath, err)
	}

	return info.Size(), f, nil
}

// Publish writes body to a temp file on the store's filesystem, then renames
// it atomically into place at resource's path, replacing anything already
// there.
func (s *Store) Publish(ctx context.Context, resource string, body io.Reader) (int64, error) {
	filePath, err := s.sanitizePath(resource)
	if err != nil {
		return 0, err
	}

	_, span := tracer.Start(
		ctx,
		"local.Publish",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("resource", resource)),
	)
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(filePath), dirMode); err != nil {
		return 0, fmt.Errorf("error creating the directories for %q: %w", filePath, err)
	}

	f, err := os.CreateTemp(s.tempPath(), filepath.Base(filePath)+"-*")
	if err != nil {
		return 0, fmt.Errorf("error creating the temporary file: %w", err)
	}

	written, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(f.Name())

		return 0, fmt.Errorf("error writing to the temporary file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := os.Rename(f.Name(), filePath); err != nil {
		os.Remove(f.Name())

		return 0, fmt.Errorf("error publishing %q: %w", filePath, err)
	}

	if err := os.Chmod(filePath, fileMode); err != nil {
		return 0, fmt.Errorf("error changing mode of %q: %w", filePath, err)
	}

	return written, nil
}

func (s *Store) cachePath() string { return filepath.Join(s.root, "cache") }
func (s *Store) tempPath() string  { return filepath.Join(s.root, "temp") }

// sanitizePath maps a resource path onto the cache directory, rejecting any
// attempt to traverse outside of it.
func (s *Store) sanitizePath(resource string) (string, error) {
	relative := strings.TrimPrefix(resource, "/")
	filePath := filepath.Join(s.cachePath(), relative)

	if !strings.HasPrefix(filePath, s.cachePath()) {
		return "", store.ErrNotFound
	}

	return filePath, nil
}

func (s *Store) setupDirs() error {
	if err := os.RemoveAll(s.tempPath()); err != nil {
		return fmt.Errorf("error removing the temp directory: %w", err)
	}

	for _, p := range []string{s.cachePath(), s.tempPath()} {
		if err := os.MkdirAll(p, dirMode); err != nil {
			return fmt.Errorf("error creating the directory %q: %w", p, err)
		}
	}

	return nil
}

func validatePath(ctx context.Context, path string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(path) {
		log.Error().Str("path", path).Msg("path is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("path", path).Msg("path does not exist")

		return ErrPathMustExist
	}

	if !info.IsDir() {
		log.Error().Str("path", path).Msg("path is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(ctx, path) {
		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(ctx context.Context, path string) bool {
	log := zerolog.Ctx(ctx)

	tmpFile, err := os.CreateTemp(path, "write_test")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("error writing a temp file in the path")

		return false
	}

	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	return true
}
