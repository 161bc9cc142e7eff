// Package session persists the per-session file plane: file content in the
// object store, file descriptors and captured REPL state in the key-value
// store. Sessions are best-effort scratch space and expire after a day.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kilnrun/kiln/api"
	"github.com/kilnrun/kiln/support/kvstore"
)

const (
	filesKeyPrefix = "session:files:"
	stateKeyPrefix = "session:state:"

	// TTL shared by descriptors, blobs' KV index and captured state.
	sessionTTL = 24 * time.Hour
)

var (
	// ErrFileNotFound is returned for unknown session/file-id pairs.
	ErrFileNotFound = errors.New("session file not found")
	// ErrStateNotFound is returned when a session has no captured state.
	ErrStateNotFound = errors.New("session state not found")
	// ErrFileTooLarge is returned when a file exceeds the configured cap.
	ErrFileTooLarge = errors.New("file exceeds maximum size")
)

// BlobStore is the slice of the object store the session plane needs.
// Implemented by objectstore.Client.
type BlobStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Store is the session file and state plane.
type Store struct {
	blobs   BlobStore
	kv      *kvstore.Store
	log     logr.Logger
	maxSize int64

	now func() time.Time
}

func NewStore(blobs BlobStore, kv *kvstore.Store, maxSize int64, log logr.Logger) *Store {
	return &Store{
		blobs:   blobs,
		kv:      kv,
		log:     log.WithName("session"),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string { return uuid.NewString() }

// SaveFile stores content under a fresh file id and records its descriptor.
func (s *Store) SaveFile(ctx context.Context, session, filename string, content []byte) (api.FileDescriptor, error) {
	if int64(len(content)) > s.maxSize {
		return api.FileDescriptor{}, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, filename, len(content))
	}
	desc := api.FileDescriptor{
		FileID:      uuid.NewString(),
		Filename:    filename,
		SizeBytes:   int64(len(content)),
		ContentType: ContentType(filename),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.blobs.Put(ctx, blobKey(session, desc.FileID), content, desc.ContentType); err != nil {
		return api.FileDescriptor{}, err
	}
	if err := s.putDescriptor(ctx, session, desc); err != nil {
		return api.FileDescriptor{}, err
	}
	return desc, nil
}

// ListFiles returns a session's descriptors, oldest first.
func (s *Store) ListFiles(ctx context.Context, session string) ([]api.FileDescriptor, error) {
	fields, err := s.kv.HGetAll(ctx, filesKeyPrefix+session)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing session files: %w", err)
	}
	descs := make([]api.FileDescriptor, 0, len(fields))
	for id, raw := range fields {
		var d api.FileDescriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			s.log.Error(err, "skipping unreadable file descriptor", "session", session, "fileID", id)
			continue
		}
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].CreatedAt.Equal(descs[j].CreatedAt) {
			return descs[i].FileID < descs[j].FileID
		}
		return descs[i].CreatedAt.Before(descs[j].CreatedAt)
	})
	return descs, nil
}

// GetFile returns one descriptor and its content.
func (s *Store) GetFile(ctx context.Context, session, fileID string) (api.FileDescriptor, []byte, error) {
	desc, err := s.getDescriptor(ctx, session, fileID)
	if err != nil {
		return api.FileDescriptor{}, nil, err
	}
	content, err := s.blobs.Get(ctx, blobKey(session, fileID))
	if err != nil {
		return api.FileDescriptor{}, nil, fmt.Errorf("reading file %s: %w", fileID, err)
	}
	return desc, content, nil
}

// DeleteFile removes one file's blob and descriptor.
func (s *Store) DeleteFile(ctx context.Context, session, fileID string) error {
	if _, err := s.getDescriptor(ctx, session, fileID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, blobKey(session, fileID)); err != nil {
		return err
	}
	return s.kv.HDel(ctx, filesKeyPrefix+session, fileID)
}

// SaveState stores a session's captured interpreter state blob.
func (s *Store) SaveState(ctx context.Context, session, state string) error {
	if err := s.kv.Set(ctx, stateKeyPrefix+session, state, sessionTTL); err != nil {
		return fmt.Errorf("storing session state: %w", err)
	}
	return nil
}

// GetState returns a session's captured state.
func (s *Store) GetState(ctx context.Context, session string) (string, error) {
	state, err := s.kv.Get(ctx, stateKeyPrefix+session)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading session state: %w", err)
	}
	return state, nil
}

func (s *Store) putDescriptor(ctx context.Context, session string, desc api.FileDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding file descriptor: %w", err)
	}
	key := filesKeyPrefix + session
	if err := s.kv.HSet(ctx, key, map[string]any{desc.FileID: string(raw)}); err != nil {
		return fmt.Errorf("storing file descriptor: %w", err)
	}
	if err := s.kv.Expire(ctx, key, sessionTTL); err != nil {
		return fmt.Errorf("refreshing session ttl: %w", err)
	}
	return nil
}

func (s *Store) getDescriptor(ctx context.Context, session, fileID string) (api.FileDescriptor, error) {
	fields, err := s.kv.HGetAll(ctx, filesKeyPrefix+session)
	if errors.Is(err, kvstore.ErrNotFound) {
		return api.FileDescriptor{}, ErrFileNotFound
	}
	if err != nil {
		return api.FileDescriptor{}, fmt.Errorf("reading file descriptor: %w", err)
	}
	raw, ok := fields[fileID]
	if !ok {
		return api.FileDescriptor{}, ErrFileNotFound
	}
	var desc api.FileDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return api.FileDescriptor{}, fmt.Errorf("decoding file descriptor: %w", err)
	}
	return desc, nil
}

func blobKey(session, fileID string) string {
	return fmt.Sprintf("sessions/%s/%s", session, fileID)
}

// ContentType infers a MIME type from the file extension, defaulting to
// octet-stream.
func ContentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
