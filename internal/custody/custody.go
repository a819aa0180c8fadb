// Package custody stores uploaded file blobs keyed by transaction and
// slot role. Blobs live outside the transaction record; rejecting a
// file here never mutates a transaction.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vaultline/escrow/internal/domain"
)

// BlobInfo is the stored metadata for one blob.
type BlobInfo struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Uploader    string `json:"uploader"`
}

// Store is the custody contract the engine consumes.
type Store interface {
	// Store writes the blob and returns an opaque reference. The reader
	// is consumed up to the size limit; an oversize or disallowed file
	// is rejected with domain.ErrValidation.
	Store(ctx context.Context, transactionID string, role domain.FileRole, r io.Reader, fileName string) (string, error)

	// Open returns the blob bytes and metadata for a reference.
	Open(ctx context.Context, blobRef string) (io.ReadCloser, *BlobInfo, error)
}

// allowedContentType reports whether a sniffed MIME type is in the
// allow-list: images, PDF, archives, text.
func allowedContentType(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/pdf":
		return true
	case ct == "application/zip", ct == "application/x-gzip", ct == "application/x-rar-compressed":
		return true
	}
	return false
}

// FSStore keeps blobs on the local filesystem under
// <dir>/<transactionID>/<role> with a JSON metadata sidecar. One slot
// per transaction+role; re-storing a slot replaces the previous blob.
type FSStore struct {
	dir     string
	maxSize int64
}

var _ Store = (*FSStore)(nil)

func NewFSStore(dir string, maxSize int64) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSStore{dir: dir, maxSize: maxSize}, nil
}

func (s *FSStore) Store(_ context.Context, transactionID string, role domain.FileRole, r io.Reader, fileName string) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("%w: file name required", domain.ErrValidation)
	}

	// Sniff the content type from the first 512 bytes before touching
	// disk, so a disallowed upload leaves no trace.
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("%w: read upload: %v", domain.ErrUpstreamFailure, err)
	}
	head = head[:n]

	ct := detectContentType(head)
	if !allowedContentType(ct) {
		return "", fmt.Errorf("%w: content type %s not allowed", domain.ErrValidation, ct)
	}

	blobRef := filepath.Join(transactionID, string(role))
	dir := filepath.Join(s.dir, transactionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create dir: %v", domain.ErrUpstreamFailure, err)
	}

	// Write to a temp file first; the slot is replaced atomically only
	// once the full body is on disk and under the size cap.
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: temp file: %v", domain.ErrUpstreamFailure, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := copyCapped(tmp, head, r, s.maxSize)
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: close temp: %v", domain.ErrUpstreamFailure, cerr)
	}
	if err != nil {
		return "", err
	}

	info := BlobInfo{
		FileName:    fileName,
		ContentType: ct,
		Size:        size,
		Uploader:    string(role),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("%w: marshal metadata: %v", domain.ErrUpstreamFailure, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, blobRef)+".json", meta, 0o644); err != nil {
		return "", fmt.Errorf("%w: write metadata: %v", domain.ErrUpstreamFailure, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, blobRef)); err != nil {
		return "", fmt.Errorf("%w: commit blob: %v", domain.ErrUpstreamFailure, err)
	}

	log.Printf("[custody] stored %s (%s, %d bytes) for transaction %s",
		fileName, ct, size, transactionID)
	return blobRef, nil
}

func (s *FSStore) Open(_ context.Context, blobRef string) (io.ReadCloser, *BlobInfo, error) {
	// blobRef comes from the transaction record, but keep it inside the
	// blob root regardless.
	path := filepath.Join(s.dir, filepath.Clean("/"+blobRef))

	meta, err := os.ReadFile(path + ".json")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: blob metadata: %v", domain.ErrNotFound, err)
	}
	var info BlobInfo
	if err := json.Unmarshal(meta, &info); err != nil {
		return nil, nil, fmt.Errorf("%w: decode metadata: %v", domain.ErrUpstreamFailure, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open blob: %v", domain.ErrNotFound, err)
	}
	return f, &info, nil
}

func detectContentType(head []byte) string {
	ct := http.DetectContentType(head)
	// Strip any "; charset=..." suffix the sniffer adds.
	if base, _, found := strings.Cut(ct, ";"); found {
		ct = base
	}
	return strings.TrimSpace(ct)
}

func copyCapped(w io.Writer, head []byte, r io.Reader, maxSize int64) (int64, error) {
	if int64(len(head)) > maxSize {
		return 0, fmt.Errorf("%w: file exceeds %d byte limit", domain.ErrValidation, maxSize)
	}
	if _, err := w.Write(head); err != nil {
		return 0, fmt.Errorf("%w: write blob: %v", domain.ErrUpstreamFailure, err)
	}

	written, err := io.Copy(w, io.LimitReader(r, maxSize-int64(len(head))+1))
	if err != nil {
		return 0, fmt.Errorf("%w: write blob: %v", domain.ErrUpstreamFailure, err)
	}
	total := written + int64(len(head))
	if total > maxSize {
		return 0, fmt.Errorf("%w: file exceeds %d byte limit", domain.ErrValidation, maxSize)
	}
	return total, nil
}
