package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"runlab/internal/common/storage"
	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

const gzipContentEncodingSuffix = ".gz"

// ArtifactStore keeps execution artifacts and overflow output in object
// storage, gzip-compressed. Keys are namespaced per execution so a whole
// execution can be swept in one prefix walk.
type ArtifactStore struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewArtifactStore creates the store.
func NewArtifactStore(st storage.ObjectStorage, bucket string) *ArtifactStore {
	return &ArtifactStore{storage: st, bucket: bucket}
}

func artifactKey(executionID, name string) string {
	return fmt.Sprintf("executions/%s/%s%s", executionID, name, gzipContentEncodingSuffix)
}

// Put compresses and uploads one artifact, returning its descriptor.
// SizeBytes in the descriptor is the uncompressed size.
func (s *ArtifactStore) Put(ctx context.Context, executionID, name, contentType string, payload []byte) (model.Artifact, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return model.Artifact{}, appErr.Wrap(err, appErr.InternalServerError).
			WithMessagef("compress artifact %s", name)
	}
	if err := gz.Close(); err != nil {
		return model.Artifact{}, appErr.Wrap(err, appErr.InternalServerError).
			WithMessagef("compress artifact %s", name)
	}

	key := artifactKey(executionID, name)
	if err := s.storage.PutObject(ctx, s.bucket, key, &buf, int64(buf.Len()), "application/gzip"); err != nil {
		return model.Artifact{}, appErr.Wrap(err, appErr.InternalServerError).
			WithMessagef("upload artifact %s for execution %s", name, executionID)
	}

	return model.Artifact{
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		StorageKey:  key,
	}, nil
}

// Get downloads and decompresses one artifact by its storage key.
func (s *ArtifactStore) Get(ctx context.Context, storageKey string) ([]byte, error) {
	obj, err := s.storage.GetObject(ctx, s.bucket, storageKey)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.NotFound).
			WithMessagef("artifact %s not found", storageKey)
	}
	defer obj.Close()

	gz, err := gzip.NewReader(obj)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError).
			WithMessagef("decompress artifact %s", storageKey)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError).
			WithMessagef("read artifact %s", storageKey)
	}
	return data, nil
}

// Remove deletes one artifact. Missing objects are fine.
func (s *ArtifactStore) Remove(ctx context.Context, storageKey string) error {
	if err := s.storage.RemoveObject(ctx, s.bucket, storageKey); err != nil {
		return appErr.Wrap(err, appErr.InternalServerError).
			WithMessagef("remove artifact %s", storageKey)
	}
	return nil
}
