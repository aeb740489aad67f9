// Package artifacts publishes serialized compiled graphs to a directory on
// local disk or to a Google Cloud Storage bucket.
package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store is a destination for artifact files.
type Store interface {
	// Upload copies the file at srcPath to key. An existing key is left
	// untouched, so re-publishing the same artifact is a no-op.
	Upload(ctx context.Context, srcPath, key string) error

	// Download copies key to destPath. A missing key returns an error
	// satisfying errors.Is(err, os.ErrNotExist).
	Download(ctx context.Context, key, destPath string) error
}

// Open returns the store addressed by uri: "gs://bucket/prefix" for a GCS
// bucket, anything else is a local directory.
func Open(uri string, log logrus.FieldLogger) (Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if rest, ok := strings.CutPrefix(uri, "gs://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, errors.Errorf("no bucket in %q", uri)
		}
		return &GCSStore{Bucket: bucket, Prefix: strings.Trim(prefix, "/"), Log: log}, nil
	}
	if uri == "" {
		return nil, errors.New("empty artifact store location")
	}
	return &LocalStore{Dir: uri, Log: log}, nil
}

// Publish uploads files under prefix/<path relative to root>. Files must live
// under root.
func Publish(ctx context.Context, store Store, root, prefix string, files ...string) error {
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil || strings.HasPrefix(rel, "..") {
			return errors.Errorf("%q is not under %q", f, root)
		}
		key := filepath.ToSlash(rel)
		if prefix != "" {
			key = strings.TrimSuffix(prefix, "/") + "/" + key
		}
		if err := store.Upload(ctx, f, key); err != nil {
			return errors.WithMessagef(err, "publishing %s", key)
		}
	}
	return nil
}

// writeToFile writes destPath through a temporary file in the same directory
// and renames it into place, so readers never observe a partial file.
func writeToFile(destPath string, write func(f *os.File) error, log logrus.FieldLogger) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %s", dir)
	}
	tempFile, err := os.CreateTemp(dir, ".artifact")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.WithError(err).WithField("path", tempFile.Name()).Warn("removing temp file")
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.WithError(err).WithField("path", tempFile.Name()).Warn("closing temp file")
			}
		}
	}()

	if err := write(tempFile); err != nil {
		return err
	}

	if err := tempFile.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destPath); err != nil {
		return errors.Wrap(err, "renaming temp file")
	}
	shouldDeleteTempFile = false

	return nil
}
