package messaging

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"parley/cmd/internal/ids"
)

const (
	// MaxAttachmentBytes is the per-file upload limit.
	MaxAttachmentBytes = 10 << 20

	attachmentFolder  = "message-attachments"
	uploadConcurrency = 4
)

var (
	errStorageUnavailable = errors.New("file storage not configured")
	errAttachmentTooLarge = fmt.Errorf("file exceeds %d bytes", MaxAttachmentBytes)
	errAttachmentEmpty    = errors.New("file is empty")
)

// AttachmentUploader uploads files and links them to an existing message.
type AttachmentUploader struct {
	store   Store
	files   FileStorage
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewAttachmentUploader constructs an AttachmentUploader.
func NewAttachmentUploader(store Store, files FileStorage, log *slog.Logger, metrics *Metrics) *AttachmentUploader {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &AttachmentUploader{
		store:   store,
		files:   files,
		log:     log,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AttachmentFolder is the caller-scoped storage folder.
func AttachmentFolder(callerID string) string {
	return attachmentFolder + "/" + callerID
}

// UploadAll uploads files in parallel. Every file is attempted independently; the successes come back in
// input order and each failure is reported with its index.
func (u *AttachmentUploader) UploadAll(ctx context.Context, callerID, messageID string, files []FileUpload) ([]Attachment, []UploadError) {
	if len(files) == 0 {
		return nil, nil
	}

	results := make([]Attachment, len(files))
	failures := make([]error, len(files))

	// A plain group: one file failing must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(uploadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			a, err := u.uploadOne(ctx, callerID, messageID, f)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = a
			return nil
		})
	}
	_ = g.Wait()

	var (
		ok   []Attachment
		errs []UploadError
	)
	for i := range files {
		if failures[i] != nil {
			u.metrics.AttachmentFailures.Inc()
			u.log.Warn("attachment.upload.fail",
				"message_id", messageID,
				"index", i,
				"file_name", files[i].FileName,
				"err", failures[i],
			)
			errs = append(errs, UploadError{Index: i, FileName: files[i].FileName, Err: failures[i]})
			continue
		}
		u.metrics.AttachmentsUploaded.Inc()
		ok = append(ok, results[i])
	}
	return ok, errs
}

func (u *AttachmentUploader) uploadOne(ctx context.Context, callerID, messageID string, f FileUpload) (Attachment, error) {
	if u.files == nil {
		return Attachment{}, errStorageUnavailable
	}
	if strings.TrimSpace(f.FileName) == "" {
		return Attachment{}, errors.New("missing file name")
	}
	if len(f.Data) == 0 {
		return Attachment{}, errAttachmentEmpty
	}
	if len(f.Data) > MaxAttachmentBytes {
		return Attachment{}, errAttachmentTooLarge
	}

	sum := blake2b.Sum256(f.Data)

	stored, err := u.files.Upload(ctx, AttachmentFolder(callerID), f)
	if err != nil {
		return Attachment{}, fmt.Errorf("upload: %w", err)
	}

	now := u.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Attachment{}, err
	}

	a := Attachment{
		ID:          id,
		MessageID:   messageID,
		FileName:    firstNonEmpty(stored.FileName, f.FileName),
		FileType:    firstNonEmpty(stored.MimeType, f.ContentType),
		FileSize:    stored.Size,
		FileURL:     stored.PublicURL,
		StoragePath: stored.Path,
		Checksum:    "blake2b-256:" + hex.EncodeToString(sum[:]),
		CreatedAt:   now,
	}
	if a.FileSize == 0 {
		a.FileSize = int64(len(f.Data))
	}

	saved, err := u.store.InsertAttachment(ctx, a)
	if err != nil {
		// The bytes stay in storage; the object is unreferenced.
		u.log.Warn("attachment.orphan", "storage_path", stored.Path, "message_id", messageID, "err", err)
		return Attachment{}, fmt.Errorf("persist: %w", err)
	}
	return saved, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
