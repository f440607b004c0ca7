package measurement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/pkg/storage"
)

// HashEvidence returns the content hash of an evidence record's structured details.
// Evidence uploaded through EvidenceStore is hashed over its blob instead.
func HashEvidence(ev offsets.Evidence) (string, error) {
	ev.ContentHash = ""
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode evidence: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EvidenceStore keeps evidence blobs in S3 under content-addressed keys
type EvidenceStore struct {
	s3       storage.S3Client
	bucket   string
	maxBytes int64
	logger   *zap.Logger
}

// NewEvidenceStore creates an evidence store on the given bucket
func NewEvidenceStore(s3 storage.S3Client, bucket string, maxBytes int64, logger *zap.Logger) *EvidenceStore {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &EvidenceStore{s3: s3, bucket: bucket, maxBytes: maxBytes, logger: logger}
}

// Put uploads an evidence blob and returns the Evidence record pointing at it
func (s *EvidenceStore) Put(ctx context.Context, userID string, evType offsets.EvidenceType, fileName string, body io.Reader, capturedAt time.Time) (offsets.Evidence, error) {
	if !evType.Valid() {
		return offsets.Evidence{}, fmt.Errorf("%w: unknown evidence type %q", offsets.ErrValidation, evType)
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return offsets.Evidence{}, fmt.Errorf("failed to read evidence: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return offsets.Evidence{}, fmt.Errorf("%w: evidence exceeds %d bytes", offsets.ErrValidation, s.maxBytes)
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])
	key := s.key(userID, evType, contentHash, fileName)

	if err := s.s3.Upload(ctx, s.bucket, key, bytes.NewReader(data)); err != nil {
		return offsets.Evidence{}, fmt.Errorf("failed to store evidence: %w", err)
	}

	s.logger.Info("Evidence stored",
		zap.String("user_id", userID),
		zap.String("evidence_type", string(evType)),
		zap.String("content_hash", contentHash),
		zap.Int("size_bytes", len(data)))

	return offsets.Evidence{
		Type:        evType,
		ContentHash: contentHash,
		URI:         fmt.Sprintf("s3://%s/%s", s.bucket, key),
		CapturedAt:  capturedAt.UTC(),
	}, nil
}

// Verify downloads a stored blob and checks it still matches its content hash
func (s *EvidenceStore) Verify(ctx context.Context, userID string, ev offsets.Evidence, fileName string) error {
	key := s.key(userID, ev.Type, ev.ContentHash, fileName)
	rc, err := s.s3.Download(ctx, s.bucket, key)
	if err != nil {
		return fmt.Errorf("failed to fetch evidence: %w", err)
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return fmt.Errorf("failed to read evidence: %w", err)
	}
	if actual := hex.EncodeToString(h.Sum(nil)); actual != ev.ContentHash {
		return &offsets.IntegrityError{Entity: "evidence", ID: key, Expected: ev.ContentHash, Actual: actual}
	}
	return nil
}

// PresignedURL returns a time-limited link a reviewer can open
func (s *EvidenceStore) PresignedURL(ctx context.Context, userID string, ev offsets.Evidence, fileName string, ttl time.Duration) (string, error) {
	return s.s3.GetPresignedURL(ctx, s.bucket, s.key(userID, ev.Type, ev.ContentHash, fileName), ttl)
}

func (s *EvidenceStore) key(userID string, evType offsets.EvidenceType, contentHash, fileName string) string {
	return path.Join("evidence", userID, string(evType), contentHash+path.Ext(fileName))
}
