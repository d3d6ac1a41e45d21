package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrFileNotFound         = errors.New("transfer file not found")
	ErrHashTaken            = errors.New("transfer hash already taken")
	ErrDownloadLimitReached = errors.New("download limit reached")
	ErrFileAlreadyFinalized = errors.New("transfer file already finalized")
)

// claimTimeout is how long a sweeper claim blocks other sweepers from a transfer.
const claimTimeout = time.Hour

const transferColumns = `
	id, uuid::text, hash, status, expiry_at, max_downloads, download_count,
	password_hash, deletion_token, total_size, file_count, sender_email,
	sender_name, message, ip_address, user_agent, completed_at, created_at, updated_at`

const fileColumns = `
	id, transfer_id, original_name, size, mime_type, storage_path,
	storage_backend, checksum, upload_key, created_at, finalized_at`

// Repository provides persistence for transfers and their files.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID,
		&t.UUID,
		&t.Hash,
		&t.Status,
		&t.ExpiryAt,
		&t.MaxDownloads,
		&t.DownloadCount,
		&t.PasswordHash,
		&t.DeletionToken,
		&t.TotalSize,
		&t.FileCount,
		&t.SenderEmail,
		&t.SenderName,
		&t.Message,
		&t.IPAddress,
		&t.UserAgent,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanFile(row pgx.Row) (*TransferFile, error) {
	f := &TransferFile{}
	err := row.Scan(
		&f.ID,
		&f.TransferID,
		&f.OriginalName,
		&f.Size,
		&f.MimeType,
		&f.StoragePath,
		&f.StorageBackend,
		&f.Checksum,
		&f.UploadKey,
		&f.CreatedAt,
		&f.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CreateTransfer inserts a new transfer and fills in its generated columns.
func (r *Repository) CreateTransfer(ctx context.Context, t *Transfer) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO transfers (
			uuid, hash, status, expiry_at, max_downloads, download_count,
			password_hash, deletion_token, total_size, file_count,
			sender_email, sender_name, message, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`,
		t.UUID,
		t.Hash,
		t.Status,
		t.ExpiryAt,
		t.MaxDownloads,
		t.DownloadCount,
		t.PasswordHash,
		t.DeletionToken,
		t.TotalSize,
		t.FileCount,
		t.SenderEmail,
		t.SenderName,
		t.Message,
		t.IPAddress,
		t.UserAgent,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "transfers_hash_key" {
			return ErrHashTaken
		}
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

// GetTransfer resolves a public identifier, either the uuid or the short hash,
// and loads the transfer with its files.
func (r *Repository) GetTransfer(ctx context.Context, ident string) (*Transfer, error) {
	t, err := scanTransfer(r.db.Pool.QueryRow(ctx, `
		SELECT `+transferColumns+`
		FROM transfers WHERE uuid::text = $1 OR hash = $1
		LIMIT 1
	`, ident))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	t.Files, err = r.ListFiles(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTransferByID loads a transfer and its files by internal id.
func (r *Repository) GetTransferByID(ctx context.Context, id int64) (*Transfer, error) {
	t, err := scanTransfer(r.db.Pool.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	t.Files, err = r.ListFiles(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListFiles returns the files of a transfer in upload order.
func (r *Repository) ListFiles(ctx context.Context, transferID int64) ([]*TransferFile, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM transfer_files WHERE transfer_id = $1 ORDER BY id", transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer files: %w", err)
	}
	defer rows.Close()

	var files []*TransferFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CreateFile attaches a pending file row to a transfer.
func (r *Repository) CreateFile(ctx context.Context, f *TransferFile) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO transfer_files (transfer_id, original_name, size, mime_type, upload_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, f.TransferID, f.OriginalName, f.Size, f.MimeType, f.UploadKey).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transfer file: %w", err)
	}
	return nil
}

// GetFile returns one file, scoped to its transfer.
func (r *Repository) GetFile(ctx context.Context, transferID, fileID int64) (*TransferFile, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM transfer_files WHERE transfer_id = $1 AND id = $2",
		transferID, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get transfer file: %w", err)
	}
	return f, nil
}

// FinalizeFile records the permanent location of a file. A file is finalized
// at most once.
func (r *Repository) FinalizeFile(ctx context.Context, fileID int64, storagePath, backend, checksum string, size int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE transfer_files
		SET storage_path = $2, storage_backend = $3, checksum = $4, size = $5,
		    upload_key = NULL, finalized_at = NOW()
		WHERE id = $1 AND storage_path IS NULL
	`, fileID, storagePath, backend, checksum, size)
	if err != nil {
		return fmt.Errorf("failed to finalize transfer file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileAlreadyFinalized
	}
	return nil
}

// DeleteFile removes a file row.
func (r *Repository) DeleteFile(ctx context.Context, fileID int64) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM transfer_files WHERE id = $1", fileID)
	if err != nil {
		return fmt.Errorf("failed to delete transfer file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// CompleteTransfer moves an uploading transfer to completed once every expected
// file is finalized. It returns false when the transfer is not ready or was
// already completed by someone else.
func (r *Repository) CompleteTransfer(ctx context.Context, transferID int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE transfers t
		SET status = 'completed',
		    completed_at = NOW(),
		    updated_at = NOW(),
		    total_size = (SELECT COALESCE(SUM(size), 0) FROM transfer_files WHERE transfer_id = t.id)
		WHERE t.id = $1
		  AND t.status = 'uploading'
		  AND (SELECT COUNT(*) FROM transfer_files
		       WHERE transfer_id = t.id AND storage_path IS NOT NULL) >= t.file_count
	`, transferID)
	if err != nil {
		return false, fmt.Errorf("failed to complete transfer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves an uploading transfer to failed.
func (r *Repository) MarkFailed(ctx context.Context, transferID int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE transfers SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'uploading'
	`, transferID)
	if err != nil {
		return fmt.Errorf("failed to mark transfer failed: %w", err)
	}
	return nil
}

// UpdatePassword replaces the password hash; nil removes protection.
func (r *Repository) UpdatePassword(ctx context.Context, transferID int64, passwordHash *string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE transfers SET password_hash = $2, updated_at = NOW() WHERE id = $1",
		transferID, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// IncrementDownloadCount atomically increments the download counter unless the
// limit has been reached, and returns the new count.
func (r *Repository) IncrementDownloadCount(ctx context.Context, transferID int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE transfers SET download_count = download_count + 1
		WHERE id = $1 AND (max_downloads IS NULL OR download_count < max_downloads)
		RETURNING download_count
	`, transferID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrDownloadLimitReached
		}
		return 0, fmt.Errorf("failed to increment download count: %w", err)
	}
	return count, nil
}

// DeleteTransfer removes a transfer; its files cascade.
func (r *Repository) DeleteTransfer(ctx context.Context, transferID int64) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM transfers WHERE id = $1", transferID)
	if err != nil {
		return fmt.Errorf("failed to delete transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// CountExpired returns how many transfers are past their expiry.
func (r *Repository) CountExpired(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM transfers WHERE expiry_at < NOW()").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired transfers: %w", err)
	}
	return n, nil
}

// ClaimExpired marks up to limit expired transfers as being swept and returns
// them with their files. Rows locked by a concurrent sweeper are skipped, and a
// claim older than claimTimeout can be taken over.
func (r *Repository) ClaimExpired(ctx context.Context, limit int) ([]*Transfer, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE transfers SET sweeping_at = NOW()
		WHERE id IN (
			SELECT id FROM transfers
			WHERE expiry_at < NOW()
			  AND (sweeping_at IS NULL OR sweeping_at < $2)
			ORDER BY expiry_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+transferColumns,
		limit, time.Now().Add(-claimTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to claim expired transfers: %w", err)
	}

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim expired transfers: %w", err)
	}

	for _, t := range transfers {
		if t.Files, err = r.ListFiles(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return transfers, nil
}

// ReleaseClaim clears a sweeper claim so the transfer is retried on the next run.
func (r *Repository) ReleaseClaim(ctx context.Context, transferID int64) error {
	_, err := r.db.Pool.Exec(ctx, "UPDATE transfers SET sweeping_at = NULL WHERE id = $1", transferID)
	if err != nil {
		return fmt.Errorf("failed to release sweep claim: %w", err)
	}
	return nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expiry_at IS NULL OR expiry_at > NOW()),
			COUNT(*) FILTER (WHERE expiry_at <= NOW()),
			(SELECT COUNT(*) FROM transfer_files),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(total_size) FILTER (WHERE expiry_at IS NULL OR expiry_at > NOW()), 0)
		FROM transfers
	`).Scan(
		&stats.TotalTransfers,
		&stats.ActiveTransfers,
		&stats.ExpiredTransfers,
		&stats.TotalFiles,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
