package database

import "time"

// Transfer statuses as stored. "expired" is derived from ExpiryAt and never persisted.
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// Transfer is one shareable unit of uploaded files.
type Transfer struct {
	ID            int64
	UUID          string
	Hash          string
	Status        string
	ExpiryAt      *time.Time // nil means never expires
	MaxDownloads  *int
	DownloadCount int
	PasswordHash  *string // nil when not password protected
	DeletionToken string
	TotalSize     int64
	FileCount     int
	SenderEmail   *string
	SenderName    *string
	Message       *string
	IPAddress     *string
	UserAgent     *string
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Files []*TransferFile
}

// TransferFile is one file attached to a Transfer.
type TransferFile struct {
	ID             int64
	TransferID     int64
	OriginalName   string
	Size           int64
	MimeType       string
	StoragePath    *string // nil until finalized
	StorageBackend *string
	Checksum       *string
	UploadKey      *string
	CreatedAt      time.Time
	FinalizedAt    *time.Time
}

// Finalized reports whether the file has reached permanent storage.
func (f *TransferFile) Finalized() bool {
	return f.StoragePath != nil
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalTransfers   int64
	ActiveTransfers  int64
	ExpiredTransfers int64
	TotalFiles       int64
	TotalDownloads   int64
	StorageUsed      int64
}
