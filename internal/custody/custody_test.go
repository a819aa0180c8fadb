package custody_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/escrow/internal/custody"
	"github.com/vaultline/escrow/internal/domain"
)

// pngHeader is the magic-number prefix http.DetectContentType sniffs as
// image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func newTestStore(t *testing.T, maxSize int64) *custody.FSStore {
	t.Helper()
	s, err := custody.NewFSStore(t.TempDir(), maxSize)
	require.NoError(t, err)
	return s
}

func TestStoreAndOpenRoundtrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	ctx := context.Background()

	payload := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0x42}, 100)...)
	ref, err := s.Store(ctx, "txn-1", domain.FileRoleSeller, bytes.NewReader(payload), "logo.png")
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	rc, info, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, "logo.png", info.FileName)
	assert.Equal(t, "image/png", info.ContentType)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.Equal(t, "seller", info.Uploader)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStoreAcceptsTextAndPDF(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	ctx := context.Background()

	_, err := s.Store(ctx, "txn-1", domain.FileRoleBuyer,
		strings.NewReader("requirements: make it blue"), "brief.txt")
	assert.NoError(t, err)

	_, err = s.Store(ctx, "txn-2", domain.FileRoleSeller,
		strings.NewReader("%PDF-1.4 fake body"), "invoice.pdf")
	assert.NoError(t, err)
}

func TestStoreRejectsDisallowedContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := custody.NewFSStore(dir, 1<<20)
	require.NoError(t, err)
	ctx := context.Background()

	// An ELF binary sniffs as application/octet-stream.
	elf := append([]byte("\x7fELF"), bytes.Repeat([]byte{0}, 64)...)
	_, err = s.Store(ctx, "txn-1", domain.FileRoleSeller, bytes.NewReader(elf), "payload.bin")
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Rejection must leave no blob behind.
	_, statErr := os.Stat(filepath.Join(dir, "txn-1"))
	assert.True(t, os.IsNotExist(statErr), "rejected upload must not persist")
}

func TestStoreEnforcesSizeLimit(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 600)
	ctx := context.Background()

	small := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 64)...)
	_, err := s.Store(ctx, "txn-1", domain.FileRoleSeller, bytes.NewReader(small), "ok.png")
	assert.NoError(t, err)

	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 1024)...)
	_, err = s.Store(ctx, "txn-2", domain.FileRoleSeller, bytes.NewReader(big), "big.png")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStoreReplacesSlot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	ctx := context.Background()

	_, err := s.Store(ctx, "txn-1", domain.FileRoleSeller, strings.NewReader("first draft"), "v1.txt")
	require.NoError(t, err)

	ref, err := s.Store(ctx, "txn-1", domain.FileRoleSeller, strings.NewReader("final version"), "v2.txt")
	require.NoError(t, err)

	rc, info, err := s.Open(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "final version", string(got))
	assert.Equal(t, "v2.txt", info.FileName)
}

func TestOpenUnknownRef(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1<<20)
	_, _, err := s.Open(context.Background(), "nope/seller")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
