// Package objectstore stores audio blobs in a NATS JetStream object store.
// The coordinator archives completed fragments there, and the NATS worker
// transport uses it as its file channel.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	fragmentsPrefix = "fragments"
	audioExt        = ".wav"
	dirPermissions  = 0o750
	filePermissions = 0o640
	errFmtGet       = "failed to get object '%s' from bucket '%s': %w"
	errFmtPut       = "failed to put object '%s' to bucket '%s': %w"
	errFmtDelete    = "failed to delete object '%s' from bucket '%s': %w"
	errFmtBind      = "failed to bind to existing object store bucket '%s': %w"
	errFmtCreate    = "failed to create object store bucket '%s': %w"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// FragmentKey is the archive key of a completed chunk's audio.
func FragmentKey(sessionID, jobID string) string {
	return fragmentsPrefix + "/" + sessionID + "/" + jobID + audioExt
}

// NatsObjectStore implements core.ObjectStore using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Audio fragments for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf(errFmtCreate, bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf(errFmtBind, bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Bucket returns the bucket name.
func (n *NatsObjectStore) Bucket() string {
	return n.bucket
}

// Download retrieves an object.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf(errFmtGet, key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object, replacing any previous version.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf(errFmtPut, key, n.bucket, err)
	}

	return nil
}

// Delete removes an object. A missing object is not an error.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf(errFmtDelete, key, n.bucket, err)
	}

	return nil
}

// UploadFile stores the contents of a local file under key.
func (n *NatsObjectStore) UploadFile(ctx context.Context, key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read '%s' for upload: %w", localPath, err)
	}

	return n.Upload(ctx, key, data)
}

// DownloadFile writes the object stored under key to a local file.
func (n *NatsObjectStore) DownloadFile(ctx context.Context, key, localPath string) error {
	data, err := n.Download(ctx, key)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(localPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to prepare '%s': %w", localPath, err)
	}

	err = os.WriteFile(localPath, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write '%s': %w", localPath, err)
	}

	return nil
}
