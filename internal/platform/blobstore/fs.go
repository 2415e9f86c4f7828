package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSStore keeps documents under a root directory. Each file has a .meta
// sidecar with its content type and patient.
type FSStore struct {
	root   string
	signer *Signer
}

type metaFile struct {
	MimeType  string    `json:"mime_type"`
	PatientID int64     `json:"patient_id"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFSStore returns a filesystem store rooted at root, creating it if needed.
func NewFSStore(root string, signer *Signer) (*FSStore, error) {
	if root == "" {
		root = "./storage"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	if signer == nil {
		signer = NewSigner("", "")
	}
	return &FSStore{root: root, signer: signer}, nil
}

func (s *FSStore) pathFor(key string) (dataPath, metaPath string, err error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(k))
	return dataPath, dataPath + ".meta", nil
}

func (s *FSStore) Upload(_ context.Context, in UploadInput) (*Object, error) {
	key, data, contentType, err := readUpload(in)
	if err != nil {
		return nil, err
	}
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("create case directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return nil, fmt.Errorf("move %s into place: %w", key, err)
	}

	mf := metaFile{MimeType: contentType, PatientID: in.PatientID, Size: int64(len(data)), CreatedAt: time.Now().UTC()}
	b, err := json.Marshal(mf)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		_ = os.Remove(dataPath)
		return nil, fmt.Errorf("write metadata for %s: %w", key, err)
	}
	return &Object{Path: key, Size: mf.Size, MimeType: contentType}, nil
}

func (s *FSStore) Delete(_ context.Context, path string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	_ = os.Remove(metaPath)
	return true, nil
}

func (s *FSStore) List(_ context.Context, caseID int64) ([]ObjectInfo, error) {
	prefix := CasePrefix(caseID)
	dir := filepath.Join(s.root, filepath.FromSlash(prefix))
	var out []ObjectInfo
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".meta") {
			return nil
		}
		mf, err := readMeta(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(p, ".meta"))
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: filepath.ToSlash(rel), Size: mf.Size, ModifiedAt: mf.CreatedAt})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	dataPath, _, err := s.pathFor(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrBlobNotFound
		}
		return "", err
	}
	key, _ := cleanKey(path)
	return s.signer.URL(key, ttl), nil
}

func (s *FSStore) Open(_ context.Context, path string) (io.ReadCloser, *Object, error) {
	dataPath, metaPath, err := s.pathFor(path)
	if err != nil {
		return nil, nil, err
	}
	mf, err := readMeta(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, err
	}
	key, _ := cleanKey(path)
	return f, &Object{Path: key, Size: mf.Size, MimeType: mf.MimeType}, nil
}

func (s *FSStore) Signer() *Signer { return s.signer }

func readMeta(path string) (metaFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return metaFile{}, err
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return metaFile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return mf, nil
}
