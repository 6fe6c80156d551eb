package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// MaxGCSObjectBytes caps how much of an archived extract is read into memory.
const MaxGCSObjectBytes = 256 << 20

// GetGCSClient initializes a Google Cloud Storage client.
// ADC is used unless GCS_CREDENTIALS_JSON is set.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// SplitGCSLocation parses "bucket/path/to/object" (an optional gs:// prefix is accepted).
func SplitGCSLocation(loc string) (bucket string, object string, err error) {
	loc = strings.TrimPrefix(strings.TrimSpace(loc), "gs://")
	bucket, object, ok := strings.Cut(loc, "/")
	if !ok || bucket == "" || strings.Trim(object, "/") == "" {
		return "", "", fmt.Errorf("invalid gcs location %q (want bucket/object)", loc)
	}
	return bucket, strings.Trim(object, "/"), nil
}

// ReadGCSObject returns the full object body. A missing object is ErrorRecordNotFound.
func ReadGCSObject(ctx context.Context, client *storage.Client, bucket string, object string) ([]byte, error) {
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, object, ErrorRecordNotFound)
		}
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, MaxGCSObjectBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxGCSObjectBytes {
		return nil, fmt.Errorf("gs://%s/%s exceeds %d bytes", bucket, object, MaxGCSObjectBytes)
	}
	return data, nil
}
