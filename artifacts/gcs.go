package artifacts

import (
	"context"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GCSStore keeps artifacts in a GCS bucket, under an optional object prefix.
type GCSStore struct {
	Bucket string
	Prefix string
	Log    logrus.FieldLogger
}

var _ Store = &GCSStore{}

func (s *GCSStore) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *GCSStore) objectName(key string) string {
	if s.Prefix == "" {
		return key
	}
	return path.Join(s.Prefix, key)
}

// Upload implements Store.
func (s *GCSStore) Upload(ctx context.Context, srcPath, key string) error {
	objectName := s.objectName(key)
	log := s.logger().WithFields(logrus.Fields{"bucket": s.Bucket, "object": objectName})

	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "creating storage client")
	}
	defer client.Close()

	obj := client.Bucket(s.Bucket).Object(objectName)

	attrs, err := obj.Attrs(ctx)
	if err == nil {
		log.WithField("size", attrs.Size).Info("object already exists")
		return nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "getting object attributes for gs://%s/%s", s.Bucket, objectName)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", srcPath)
	}
	defer f.Close()

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return errors.Wrapf(err, "uploading to gs://%s/%s", s.Bucket, objectName)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "uploading to gs://%s/%s", s.Bucket, objectName)
	}

	log.Info("uploaded artifact")
	return nil
}

// Download implements Store.
func (s *GCSStore) Download(ctx context.Context, key, destPath string) error {
	objectName := s.objectName(key)
	log := s.logger().WithFields(logrus.Fields{"bucket": s.Bucket, "object": objectName})

	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "creating storage client")
	}
	defer client.Close()

	r, err := client.Bucket(s.Bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(os.ErrNotExist, "gs://%s/%s", s.Bucket, objectName)
		}
		return errors.Wrapf(err, "opening gs://%s/%s", s.Bucket, objectName)
	}
	defer r.Close()

	log.Info("downloading artifact")
	return writeToFile(destPath, func(f *os.File) error {
		if _, err := io.Copy(f, r); err != nil {
			return errors.Wrapf(err, "downloading gs://%s/%s", s.Bucket, objectName)
		}
		return nil
	}, log)
}
