/*
Package gcs stores the billing snapshot as one JSON object in Google Cloud Storage.

PURPOSE:
  Remote half of store/mirror. Each Save overwrites a single object with
  the full document; Load reads it back. A missing object means nothing
  was saved yet.

CREDENTIALS:
  Application Default Credentials unless a service-account JSON is given
  through Config.CredentialsJSON.

SEE ALSO:
  - store/mirror: Background remote sync
*/
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/warp/claims-billing/billing"
	"google.golang.org/api/option"
)

// DefaultObject is used when Config.Object is empty.
const DefaultObject = "claims-billing/snapshot.json"

type Config struct {
	Bucket          string
	Object          string
	CredentialsJSON string
}

type Store struct {
	client *storage.Client
	bucket string
	object string
}

// New opens a storage client for cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Object), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *storage.Client, bucket, object string) *Store {
	if object == "" {
		object = DefaultObject
	}
	return &Store{client: client, bucket: bucket, object: object}
}

func (s *Store) handle() *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.object)
}

// Load returns nil when the object does not exist.
func (s *Store) Load(ctx context.Context) (*billing.Snapshot, error) {
	r, err := s.handle().NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read %s/%s: %w", s.bucket, s.object, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s/%s: %w", s.bucket, s.object, err)
	}
	return decode(body)
}

// Save overwrites the object with the encoded snapshot.
func (s *Store) Save(ctx context.Context, snap billing.Snapshot) error {
	body, err := encode(snap)
	if err != nil {
		return err
	}

	w := s.handle().NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"last-saved": snap.LastSaved.UTC().Format(time.RFC3339)}

	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %s/%s: %w", s.bucket, s.object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs write %s/%s: %w", s.bucket, s.object, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func encode(snap billing.Snapshot) ([]byte, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return body, nil
}

func decode(body []byte) (*billing.Snapshot, error) {
	var snap billing.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
