package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"dropbeam/internal/server/database"
	"dropbeam/internal/server/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferService_CreateDefaults(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.transfers.now = func() time.Time { return now }

	tr, err := h.transfers.Create(context.Background(), TransferOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, tr.UUID)
	assert.Len(t, tr.Hash, hashLength)
	assert.Equal(t, database.StatusUploading, tr.Status)
	assert.Equal(t, 0, tr.DownloadCount)
	assert.Equal(t, 1, tr.FileCount)
	assert.Nil(t, tr.PasswordHash)
	require.NotNil(t, tr.ExpiryAt)
	assert.Equal(t, now.AddDate(0, 0, 7), *tr.ExpiryAt)
	assert.True(t, strings.HasPrefix(tr.DeletionToken, "del_"))
	assert.Len(t, tr.DeletionToken, len("del_")+24)
	assert.Equal(t, "https://drop.example/t/"+tr.Hash, h.transfers.ShareURL(tr))
}

func TestTransferService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		opts  TransferOptions
		field string
	}{
		{"expiry below minimum", TransferOptions{ExpiresInDays: intPtr(0)}, "expires_in_days"},
		{"expiry above maximum", TransferOptions{ExpiresInDays: intPtr(31)}, "expires_in_days"},
		{"zero max downloads", TransferOptions{MaxDownloads: intPtr(0)}, "max_downloads"},
		{"short password", TransferOptions{Password: "abc"}, "password"},
		{"long message", TransferOptions{Message: strings.Repeat("x", 1001)}, "message"},
		{"bad email", TransferOptions{SenderEmail: "not-an-email"}, "sender_email"},
		{"negative file count", TransferOptions{FileCount: -1}, "file_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.transfers.Create(ctx, tt.opts)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestTransferService_CreateRetriesHashCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.SetCollisions(maxHashAttempts - 1)
	tr, err := h.transfers.Create(ctx, TransferOptions{})
	require.NoError(t, err)
	assert.NotZero(t, tr.ID)

	h.store.SetCollisions(maxHashAttempts)
	_, err = h.transfers.Create(ctx, TransferOptions{})
	assert.ErrorIs(t, err, database.ErrHashTaken)
}

func TestTransferService_GetByUUIDOrHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.transfers.Create(ctx, TransferOptions{})
	require.NoError(t, err)

	byUUID, err := h.transfers.Get(ctx, tr.UUID)
	require.NoError(t, err)
	byHash, err := h.transfers.Get(ctx, tr.Hash)
	require.NoError(t, err)
	assert.Equal(t, byUUID.ID, byHash.ID)

	_, err = h.transfers.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransferService_PasswordRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.transfers.Create(ctx, TransferOptions{})
	require.NoError(t, err)
	assert.False(t, IsPasswordProtected(tr))
	assert.True(t, VerifyPassword(tr, "anything"))

	pw := "correct horse"
	require.NoError(t, h.transfers.SetPassword(ctx, tr, &pw))
	assert.True(t, IsPasswordProtected(tr))
	assert.NotEqual(t, pw, *tr.PasswordHash)
	assert.True(t, VerifyPassword(tr, "correct horse"))
	for _, wrong := range []string{"", "correct", "correct horse ", "Correct horse"} {
		assert.False(t, VerifyPassword(tr, wrong), "password %q", wrong)
	}

	stored := h.store.Transfer(tr.ID)
	require.NotNil(t, stored.PasswordHash)
	assert.Equal(t, *tr.PasswordHash, *stored.PasswordHash)

	require.NoError(t, h.transfers.SetPassword(ctx, tr, nil))
	assert.False(t, IsPasswordProtected(tr))
	assert.True(t, VerifyPassword(tr, "y"))
	assert.Nil(t, h.store.Transfer(tr.ID).PasswordHash)
}

func TestTransferPredicates(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name       string
		transfer   database.Transfer
		expired    bool
		limitHit   bool
		accessible bool
	}{
		{"never expires", database.Transfer{}, false, false, true},
		{"future expiry", database.Transfer{ExpiryAt: &future}, false, false, true},
		{"past expiry", database.Transfer{ExpiryAt: &past}, true, false, false},
		{"below limit", database.Transfer{MaxDownloads: intPtr(2), DownloadCount: 1}, false, false, true},
		{"at limit", database.Transfer{MaxDownloads: intPtr(2), DownloadCount: 2}, false, true, false},
		{"expired below limit", database.Transfer{ExpiryAt: &past, MaxDownloads: intPtr(5)}, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, IsExpired(&tt.transfer, now))
			assert.Equal(t, tt.limitHit, IsDownloadLimitReached(&tt.transfer))
			assert.Equal(t, tt.accessible, IsAccessible(&tt.transfer, now))
		})
	}

	completed := database.Transfer{Status: database.StatusCompleted, ExpiryAt: &past}
	assert.Equal(t, database.StatusExpired, Status(&completed, now))
	completed.ExpiryAt = &future
	assert.Equal(t, database.StatusCompleted, Status(&completed, now))
}

func TestTransferService_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.uploads.UploadFiles(ctx, TransferOptions{}, []FilePart{
		memPart("a.txt", "hello"),
		memPart("b.txt", "world!"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, h.objects.Len())

	t.Run("wrong token", func(t *testing.T) {
		err := h.transfers.Delete(ctx, tr.UUID, "del_wrong", false)
		assert.True(t, IsForbidden(err, ReasonInvalidDeletionToken))
		assert.Equal(t, 2, h.objects.Len())
	})

	t.Run("correct token", func(t *testing.T) {
		require.NoError(t, h.transfers.Delete(ctx, tr.Hash, tr.DeletionToken, false))
		assert.Equal(t, 0, h.objects.Len())
		_, err := h.transfers.Get(ctx, tr.UUID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, h.sink.Types(), events.TransferDeleted)
	})

	t.Run("already deleted", func(t *testing.T) {
		err := h.transfers.Delete(ctx, tr.UUID, tr.DeletionToken, false)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransferService_DeleteAdminAndBackendFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr, err := h.uploads.UploadFiles(ctx, TransferOptions{}, []FilePart{memPart("a.txt", "hello")})
	require.NoError(t, err)

	h.objects.FailDeletes = true
	err = h.transfers.Delete(ctx, tr.UUID, "", true)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "delete", se.Op)

	// The row stays so the delete can be retried.
	_, err = h.transfers.Get(ctx, tr.UUID)
	require.NoError(t, err)

	h.objects.FailDeletes = false
	require.NoError(t, h.transfers.Delete(ctx, tr.UUID, "", true))
}
