package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror downloads externally hosted images (avatars, attachments) and
// re-hosts them in our own bucket. Objects are content-addressed by sha256,
// so mirroring the same bytes twice costs one download and an idempotent
// put, never a duplicate object.
type Mirror struct {
	client     *s3.Client
	bucket     string
	publicURL  string
	httpClient *http.Client
}

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	Region          string
}

const maxImageBytes = 5 * 1024 * 1024

func New(cfg Config) (*Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Mirror{
		client:     client,
		bucket:     cfg.Bucket,
		publicURL:  cfg.PublicURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// MirrorImage fetches sourceURL and stores a byte-exact copy, returning the
// resource entry for the owning object's details.resources list.
func (m *Mirror) MirrorImage(ctx context.Context, sourceURL string) (map[string]any, error) {
	data, contentType, err := m.download(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])
	objectKey := fmt.Sprintf("media/%s/%s%s", hashHex[:2], hashHex, extensionFor(contentType))

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = m.client.PutObject(putCtx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"image_hash": hashHex,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to bucket: %w", err)
	}

	return map[string]any{
		"url":          m.objectURL(objectKey),
		"hash":         hashHex,
		"content_type": contentType,
		"size":         len(data),
	}, nil
}

func (m *Mirror) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	switch contentType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
	default:
		return nil, "", fmt.Errorf("invalid content type: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image too large: %d bytes", len(data))
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image data")
	}

	return data, contentType, nil
}

func (m *Mirror) objectURL(objectKey string) string {
	if m.publicURL != "" {
		return fmt.Sprintf("%s/%s", m.publicURL, objectKey)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", m.bucket, objectKey)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ""
}
