package resparchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/wailsapp/mimetype"
)

// InlineSizeThreshold is the largest raw response kept inline on the
// row. Anything bigger is offloaded here and the row keeps the object
// url instead.
const InlineSizeThreshold = 64 * 1024

// Archive stores oversized raw model responses in S3, zstd-compressed.
type Archive struct {
	logger *slog.Logger
	client *s3.Client
	bucket string
	region string
}

func NewArchive(logger *slog.Logger, client *s3.Client, region string, bucket string) *Archive {
	return &Archive{
		logger: logger.With("module", "resparchive"),
		client: client,
		bucket: bucket,
		region: region,
	}
}

func objectKey(rowID uuid.UUID) string {
	return fmt.Sprintf("responses/%s.zst", rowID)
}

// Store uploads the raw response for a row and returns the object url.
func (a *Archive) Store(ctx context.Context, rowID uuid.UUID, content []byte) (string, error) {
	mediaType := mimetype.Detect(content).String()

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()
	compressed := encoder.EncodeAll(content, make([]byte, 0, len(content)))

	key := objectKey(rowID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(compressed),
		ContentType: &mediaType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload response: %w", err)
	}

	objectURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key)
	return objectURL, nil
}

// Fetch downloads and decompresses the archived response of a row.
func (a *Archive) Fetch(ctx context.Context, rowID uuid.UUID) ([]byte, error) {
	key := objectKey(rowID)
	output, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download response: %w", err)
	}
	defer output.Body.Close()

	compressed, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()
	return decoder.DecodeAll(compressed, nil)
}

// Exists reports whether a response object is archived for the row.
func (a *Archive) Exists(ctx context.Context, rowID uuid.UUID) (bool, error) {
	key := objectKey(rowID)
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
	})
	if err != nil {
		var responseError *awshttp.ResponseError
		if errors.As(err, &responseError) && responseError.ResponseError.HTTPStatusCode() == 404 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check response existence: %w", err)
	}
	return true, nil
}
