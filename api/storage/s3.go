package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"fleet/api/model"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// Client writes purged tasks to an S3-compatible archive bucket.
type Client struct {
	mc     *minio.Client
	config Config
	now    func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 client: bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg, now: time.Now}, nil
}

// EnsureBucket creates the archive bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	name := c.config.Bucket
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	log.Info().Str("component", "storage").Str("bucket", name).Msg("created archive bucket")
	return nil
}

// ArchiveTasks uploads the batch as a single JSON-lines object.
func (c *Client) ArchiveTasks(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	body, err := encodeJSONL(tasks)
	if err != nil {
		return err
	}
	key := objectKey(c.now())
	_, err = c.mc.PutObject(ctx, c.config.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	log.Info().Str("component", "storage").Str("key", key).Int("tasks", len(tasks)).Msg("tasks archived")
	return nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.config.Bucket)
	return err
}

func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

func objectKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("tasks/%s/%d.jsonl", at.Format("2006-01-02"), at.UnixNano())
}

func encodeJSONL(tasks []model.Task) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range tasks {
		if err := enc.Encode(&tasks[i]); err != nil {
			return nil, fmt.Errorf("encode task %s: %w", tasks[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
