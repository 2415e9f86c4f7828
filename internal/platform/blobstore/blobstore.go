// Package blobstore stores case documents. It defines the Store contract,
// the Case_{id}/{type}/{file} key layout, and memory, filesystem and S3
// drivers.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidKey         = errors.New("invalid blob key")
	ErrInvalidSignature   = errors.New("invalid or expired signature")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxFileSize is the maximum allowed document size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// AllowedContentTypes lists the document MIME types a case may carry.
var AllowedContentTypes = map[string]bool{
	"image/png":         true,
	"image/jpeg":        true,
	"image/dicom":       true,
	"application/pdf":   true,
	"application/dicom": true,
	"text/plain":        true,
	"text/csv":          true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// UploadInput is one document to store for a case.
type UploadInput struct {
	CaseID       int64
	PatientID    int64
	DocumentType string
	FileName     string
	// ContentType may be empty; it is then derived from the file name or
	// the first bytes of Body.
	ContentType string
	Body        io.Reader
}

// Object describes a stored document.
type Object struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// ObjectInfo is a listing entry.
type ObjectInfo struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is the document store consumed by the workflow.
type Store interface {
	Upload(ctx context.Context, in UploadInput) (*Object, error)
	// Delete reports whether an object existed at path.
	Delete(ctx context.Context, path string) (bool, error)
	// List returns every object under the case's prefix, ordered by key.
	List(ctx context.Context, caseID int64) ([]ObjectInfo, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ---------------------------------------------------------------------------
// Key layout
// ---------------------------------------------------------------------------

const (
	caseIDMinWidth = 6
	caseIDPadWidth = 8
	caseIDFiller   = "X"
)

// PadCaseID left-pads ids shorter than six digits with X to eight
// characters: 123 becomes XXXXX123, 1234567 stays 1234567.
func PadCaseID(caseID int64) string {
	s := strconv.FormatInt(caseID, 10)
	if len(s) >= caseIDMinWidth {
		return s
	}
	return strings.Repeat(caseIDFiller, caseIDPadWidth-len(s)) + s
}

// CasePrefix is the key prefix shared by every document of a case.
func CasePrefix(caseID int64) string {
	return "Case_" + PadCaseID(caseID) + "/"
}

// ObjectKey builds Case_{padded}/{documentType}/{unique}_{fileName}. The
// unique part keeps re-uploads of one file name apart.
func ObjectKey(caseID int64, documentType, fileName string) (string, error) {
	dt := sanitizeSegment(documentType)
	if dt == "" {
		return "", fmt.Errorf("%w: document type is required", ErrInvalidKey)
	}
	name := sanitizeFileName(fileName)
	if name == "" {
		return "", ErrMissingFileName
	}
	return CasePrefix(caseID) + dt + "/" + uuid.NewString() + "_" + name, nil
}

func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, s)
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.ReplaceAll(name, " ", "_")
}

// cleanKey rejects absolute keys and traversal.
func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path.Clean(key), nil
}

// ---------------------------------------------------------------------------
// Upload helpers
// ---------------------------------------------------------------------------

// readUpload validates in and buffers its body up to MaxFileSize.
func readUpload(in UploadInput) (key string, data []byte, contentType string, err error) {
	if in.FileName == "" {
		return "", nil, "", ErrMissingFileName
	}
	key, err = ObjectKey(in.CaseID, in.DocumentType, in.FileName)
	if err != nil {
		return "", nil, "", err
	}

	data, err = io.ReadAll(io.LimitReader(in.Body, MaxFileSize+1))
	if err != nil {
		return "", nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return "", nil, "", ErrFileTooLarge
	}

	contentType = DetectContentType(in.FileName, in.ContentType, data)
	if !AllowedContentTypes[contentType] {
		return "", nil, "", fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	return key, data, contentType, nil
}

// DetectContentType prefers the declared type, then the extension, then
// content sniffing.
func DetectContentType(fileName, declared string, head []byte) string {
	if ct := baseType(declared); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if ct := baseType(mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))); ct != "" {
		return ct
	}
	if len(head) > 512 {
		head = head[:512]
	}
	return baseType(http.DetectContentType(head))
}

func baseType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return mt
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// Options selects and configures a driver.
type Options struct {
	Driver     string
	FSRoot     string
	BaseURL    string
	SigningKey string
	S3         S3Config
}

// Open returns the store for opts.Driver: memory, fs or s3.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewInMemoryBlobStore(NewSigner(opts.SigningKey, opts.BaseURL)), nil
	case "fs":
		s, err := NewFSStore(opts.FSRoot, NewSigner(opts.SigningKey, opts.BaseURL))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := NewS3Store(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}
