package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"testing"
	"testing/iotest"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"
	"dropbeam/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memPart(name, content string) FilePart {
	return FilePart{
		Filename: name,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func randomBytes(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func readObject(t *testing.T, h *harness, f *database.TransferFile) []byte {
	t.Helper()
	require.NotNil(t, f.StoragePath)
	rc, err := h.objects.Get(context.Background(), *f.StoragePath)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// Two files joined to one transfer, uploaded through the resumable protocol.
func TestUploadService_MultiFileTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.transfers.Create(ctx, TransferOptions{ExpiresInDays: intPtr(1), FileCount: 2})
	require.NoError(t, err)

	const mb = 1 << 20
	first := randomBytes(1, 3*mb)
	second := randomBytes(2, 7*mb)

	for i, data := range [][]byte{first, second} {
		sess, joined, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{
			Filename: []string{"small.bin", "large.bin"}[i],
			Size:     int64(len(data)),
			Transfer: tr.UUID,
			Token:    tr.DeletionToken,
		})
		require.NoError(t, err)
		assert.Equal(t, tr.ID, joined.ID)

		got, err := h.uploads.Append(ctx, sess.Key, 0, bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		assert.True(t, got.IsComplete())

		stored, err := h.store.GetTransferByID(ctx, tr.ID)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, database.StatusUploading, stored.Status)
			assert.Nil(t, stored.CompletedAt)
		}
	}

	done, err := h.gate.Lookup(ctx, tr.Hash)
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(10*mb), done.TotalSize)
	require.Len(t, done.Files, 2)
	assert.Equal(t, "small.bin", done.Files[0].OriginalName)
	assert.Equal(t, int64(3*mb), done.Files[0].Size)
	assert.Equal(t, int64(7*mb), done.Files[1].Size)
	for _, f := range done.Files {
		assert.True(t, f.Finalized())
		assert.Equal(t, "memory", *f.StorageBackend)
	}
	assert.Equal(t, first, readObject(t, h, done.Files[0]))

	assert.Equal(t, []events.Type{events.TransferCreated}, h.sink.Types())

	// The transfer is closed for new files.
	_, _, err = h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "late.txt", Size: 1, Transfer: tr.UUID, Token: tr.DeletionToken})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonTransferNotOpen, ce.Reason)
}

// A 50MB upload in seven chunks of varying size, with the connection dropped
// during the fifth chunk and the upload resumed from the reported offset.
func TestUploadService_ResumeAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const size = 50 << 20
	payload := randomBytes(3, size)
	chunks := []int{4 << 20, 9 << 20, 1 << 20, 11 << 20, 8 << 20, 7 << 20}
	// The seventh chunk carries the remainder.
	var sum int
	for _, c := range chunks {
		sum += c
	}
	chunks = append(chunks, size-sum)

	sess, tr, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{
		Filename: "dataset.tar",
		MimeType: "application/x-tar",
		Size:     size,
	})
	require.NoError(t, err)

	var offset int64
	for i := 0; i < 4; i++ {
		end := offset + int64(chunks[i])
		got, err := h.uploads.Append(ctx, sess.Key, offset, bytes.NewReader(payload[offset:end]), end-offset)
		require.NoError(t, err)
		require.Equal(t, end, got.Offset)
		offset = end
	}

	// Connection drops partway through chunk five.
	errReset := errors.New("connection reset by peer")
	partial := int64(3<<20 + 17)
	body := io.MultiReader(bytes.NewReader(payload[offset:offset+partial]), iotest.ErrReader(errReset))
	_, err = h.uploads.Append(ctx, sess.Key, offset, body, int64(chunks[4]))
	require.Error(t, err)

	head, err := h.uploads.Offset(ctx, sess.Key)
	require.NoError(t, err)
	require.Equal(t, offset+partial, head.Offset)

	// A client retrying the stale offset is told where to resume.
	_, err = h.uploads.Append(ctx, sess.Key, offset, bytes.NewReader(payload[offset:offset+10]), 10)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonOffsetMismatch, ce.Reason)
	assert.Equal(t, head.Offset, ce.Offset)

	// Resume with different chunk boundaries.
	offset = head.Offset
	for offset < size {
		end := min(offset+13<<20, size)
		got, err := h.uploads.Append(ctx, sess.Key, offset, bytes.NewReader(payload[offset:end]), end-offset)
		require.NoError(t, err)
		offset = got.Offset
	}

	final, err := h.store.GetTransferByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, final.Status)
	require.Len(t, final.Files, 1)

	file := final.Files[0]
	assert.Equal(t, int64(size), file.Size)
	assert.Equal(t, "application/x-tar", file.MimeType)
	assert.Nil(t, file.UploadKey)

	sum256 := sha256.Sum256(payload)
	require.NotNil(t, file.Checksum)
	assert.Equal(t, hex.EncodeToString(sum256[:]), *file.Checksum)
	assert.True(t, bytes.Equal(payload, readObject(t, h, file)), "stored content differs from source")

	// The staged copy and session are gone.
	_, err = h.chunks.Size(sess.Key)
	assert.ErrorIs(t, err, storage.ErrChunkNotFound)
	_, err = h.uploads.Offset(ctx, sess.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadService_CreateUploadValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "setup.exe", Size: 10})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "filename", ve.Field)

	_, _, err = h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "big.iso", Size: 65 << 20})
	var tl *TooLargeError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(64<<20), tl.Limit)

	_, _, err = h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "", Size: 1})
	require.ErrorAs(t, err, &ve)

	_, _, err = h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "a.txt", Size: 1, Transfer: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)

	// The policy judges the name the file is stored under.
	_, _, err = h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "evil.exe ", Size: 10})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "filename", ve.Field)

	// Nothing was created for rejected uploads.
	stats, err := h.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTransfers)
}

func TestUploadService_AppendTooLarge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "a.txt", Size: 4})
	require.NoError(t, err)

	_, err = h.uploads.Append(ctx, sess.Key, 0, strings.NewReader("abcdef"), -1)
	var tl *TooLargeError
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, int64(4), tl.Limit)
}

func TestUploadService_ZeroLengthUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, tr, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "empty.txt", Size: 0})
	require.NoError(t, err)
	assert.True(t, sess.IsComplete())

	stored, err := h.store.GetTransferByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, stored.Status)
	assert.Equal(t, int64(0), stored.TotalSize)
	assert.Equal(t, 1, h.objects.Len())
}

func TestUploadService_Terminate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, tr, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "a.txt", Size: 10})
	require.NoError(t, err)
	_, err = h.uploads.Append(ctx, sess.Key, 0, strings.NewReader("abc"), 3)
	require.NoError(t, err)

	require.NoError(t, h.uploads.Terminate(ctx, sess.Key))

	_, err = h.uploads.Offset(ctx, sess.Key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.chunks.Size(sess.Key)
	assert.ErrorIs(t, err, storage.ErrChunkNotFound)

	stored, err := h.store.GetTransferByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Files)

	assert.ErrorIs(t, h.uploads.Terminate(ctx, sess.Key), ErrNotFound)
}

func TestUploadService_UploadFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.uploads.UploadFiles(ctx, TransferOptions{ExpiresInDays: intPtr(1)}, []FilePart{
		memPart("../etc/a.txt", "alpha"),
		memPart("b.txt", "bravo!"),
		memPart("c.txt", ""),
	})
	require.NoError(t, err)

	assert.Equal(t, database.StatusCompleted, tr.Status)
	assert.Equal(t, 3, tr.FileCount)
	assert.Equal(t, int64(11), tr.TotalSize)
	require.Len(t, tr.Files, 3)

	names := make(map[string]bool)
	for _, f := range tr.Files {
		names[f.OriginalName] = true
	}
	assert.Equal(t, map[string]bool{"a.txt": true, "b.txt": true, "c.txt": true}, names)
}

func TestUploadService_UploadFilesRejectsBeforeCreating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.uploads.UploadFiles(ctx, TransferOptions{}, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = h.uploads.UploadFiles(ctx, TransferOptions{}, []FilePart{memPart("a.txt", "x"), memPart("b.exe", "MZ")})
	require.ErrorAs(t, err, &ve)
	_, err = h.uploads.UploadFiles(ctx, TransferOptions{}, []FilePart{memPart("a.txt", "x"), memPart("b.exe\t", "MZ")})
	require.ErrorAs(t, err, &ve)

	stats, err := h.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTransfers)
}

func TestUploadService_JoinRequiresDeletionToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.transfers.Create(ctx, TransferOptions{FileCount: 2})
	require.NoError(t, err)

	for _, token := range []string{"", "del_wrong", tr.Hash, tr.UUID} {
		_, _, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "a.txt", Size: 1, Transfer: tr.Hash, Token: token})
		assert.True(t, IsForbidden(err, ReasonInvalidDeletionToken), "token %q: %v", token, err)
	}
	stored, err := h.store.GetTransferByID(ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Files)

	_, joined, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "a.txt", Size: 1, Transfer: tr.Hash, Token: tr.DeletionToken})
	require.NoError(t, err)
	assert.Equal(t, tr.ID, joined.ID)
}

func TestUploadService_ConcurrentAppendConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _, err := h.uploads.CreateUpload(ctx, CreateUploadRequest{Filename: "a.txt", Size: 10})
	require.NoError(t, err)

	// Hold the append lock as a concurrent request would.
	require.NoError(t, h.mr.Set("dropbeam:upload:"+sess.Key+":lock", "other"))

	_, err = h.uploads.Append(ctx, sess.Key, 0, strings.NewReader("abc"), 3)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonConcurrentUpload, ce.Reason)
}
