package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type storedBlob struct {
	object    Object
	patientID int64
	content   []byte
	createdAt time.Time
}

// InMemoryBlobStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryBlobStore struct {
	mu     sync.RWMutex
	blobs  map[string]*storedBlob
	signer *Signer
}

func NewInMemoryBlobStore(signer *Signer) *InMemoryBlobStore {
	if signer == nil {
		signer = NewSigner("", "")
	}
	return &InMemoryBlobStore{
		blobs:  make(map[string]*storedBlob),
		signer: signer,
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, in UploadInput) (*Object, error) {
	key, data, contentType, err := readUpload(in)
	if err != nil {
		return nil, err
	}
	obj := Object{Path: key, Size: int64(len(data)), MimeType: contentType}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{
		object:    obj,
		patientID: in.PatientID,
		content:   data,
		createdAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	return &obj, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, path string) (bool, error) {
	key, err := cleanKey(path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return false, nil
	}
	delete(s.blobs, key)
	return true, nil
}

func (s *InMemoryBlobStore) List(_ context.Context, caseID int64) ([]ObjectInfo, error) {
	prefix := CasePrefix(caseID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	for key, b := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: b.object.Size, ModifiedAt: b.createdAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryBlobStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	key, err := cleanKey(path)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	_, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrBlobNotFound
	}
	return s.signer.URL(key, ttl), nil
}

// Open returns the content of key for the signed-link file handler.
func (s *InMemoryBlobStore) Open(_ context.Context, path string) (io.ReadCloser, *Object, error) {
	key, err := cleanKey(path)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := b.object
	return io.NopCloser(bytes.NewReader(b.content)), &obj, nil
}

func (s *InMemoryBlobStore) Signer() *Signer { return s.signer }
