package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"unicode"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
)

// S3Config addresses an S3-compatible bucket (AWS S3, Cloudflare R2, MinIO).
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// PublicBaseURL prefixes object keys in returned URLs; defaults to <endpoint>/<bucket>.
	PublicBaseURL string
}

// S3Storage uploads attachments with the s3manager uploader.
type S3Storage struct {
	uploader *s3manager.Uploader
	bucket   string
	baseURL  string
}

// NewS3Storage builds a path-style S3 session from cfg.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("messaging: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("messaging: s3 session: %w", err)
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &S3Storage{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		baseURL:  base,
	}, nil
}

// Upload stores f under folder with a collision-free key.
func (s *S3Storage) Upload(ctx context.Context, folder string, f FileUpload) (StoredFile, error) {
	key := objectKey(folder, f.FileName)
	mime := contentType(f)

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(f.Data),
		ContentType: aws.String(mime),
	})
	if err != nil {
		return StoredFile{}, OpError{Op: "storage.s3.Upload", Kind: ErrNetwork, Err: err}
	}

	return StoredFile{
		Path:      key,
		PublicURL: s.baseURL + "/" + key,
		Size:      int64(len(f.Data)),
		MimeType:  mime,
		FileName:  f.FileName,
	}, nil
}

// MemoryStorage keeps uploads in memory. It is the dev-mode storage.
type MemoryStorage struct {
	baseURL string

	mu    sync.Mutex
	files map[string][]byte
}

// NewMemoryStorage returns an empty MemoryStorage serving URLs under baseURL.
func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://attachments"
	}
	return &MemoryStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		files:   make(map[string][]byte),
	}
}

// Upload stores a copy of f.Data under a fresh key.
func (s *MemoryStorage) Upload(ctx context.Context, folder string, f FileUpload) (StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return StoredFile{}, err
	}
	key := objectKey(folder, f.FileName)

	s.mu.Lock()
	s.files[key] = bytes.Clone(f.Data)
	s.mu.Unlock()

	return StoredFile{
		Path:      key,
		PublicURL: s.baseURL + "/" + key,
		Size:      int64(len(f.Data)),
		MimeType:  contentType(f),
		FileName:  f.FileName,
	}, nil
}

// Object returns stored bytes by key.
func (s *MemoryStorage) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[key]
	return b, ok
}

// Len returns the number of stored objects.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

func objectKey(folder, fileName string) string {
	return path.Join(folder, uuid.NewString()+"_"+sanitizeFileName(fileName))
}

// sanitizeFileName keeps a conservative subset of characters for object keys.
func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 120 {
		out = out[len(out)-120:]
	}
	return out
}

func contentType(f FileUpload) string {
	if f.ContentType != "" {
		return f.ContentType
	}
	return http.DetectContentType(f.Data)
}

var (
	_ FileStorage = (*S3Storage)(nil)
	_ FileStorage = (*MemoryStorage)(nil)
)
