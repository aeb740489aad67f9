package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LocalStore keeps artifacts under a directory; keys are slash-separated
// paths relative to it.
type LocalStore struct {
	Dir string
	Log logrus.FieldLogger
}

var _ Store = &LocalStore{}

func (s *LocalStore) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(key))
}

// Upload implements Store.
func (s *LocalStore) Upload(ctx context.Context, srcPath, key string) error {
	log := s.logger().WithField("key", key)
	dest := s.path(key)
	if _, err := os.Stat(dest); err == nil {
		log.Info("artifact already exists")
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking %s", dest)
	}
	if err := copyFile(ctx, srcPath, dest, log); err != nil {
		return err
	}
	log.WithField("path", dest).Info("stored artifact")
	return nil
}

// Download implements Store.
func (s *LocalStore) Download(ctx context.Context, key, destPath string) error {
	return copyFile(ctx, s.path(key), destPath, s.logger().WithField("key", key))
}

func copyFile(ctx context.Context, srcPath, destPath string, log logrus.FieldLogger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", srcPath)
	}
	defer src.Close()
	return writeToFile(destPath, func(f *os.File) error {
		if _, err := io.Copy(f, src); err != nil {
			return errors.Wrapf(err, "copying %s", srcPath)
		}
		return nil
	}, log)
}
