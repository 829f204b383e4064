// Package archive stores zstd-compressed JSON reports in an S3-compatible
// bucket such as SeaweedFS or MinIO.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"fleetwatch/pkg/config"
)

// ContentType is set on every uploaded object.
const ContentType = "application/zstd"

// ObjectAPI is the subset of the S3 client the archive uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Object describes an uploaded report.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Client writes and reads archived reports in one bucket.
type Client struct {
	api    ObjectAPI
	bucket string
}

// New wraps an existing S3 API.
func New(api ObjectAPI, bucket string) (*Client, error) {
	if api == nil {
		return nil, errors.New("s3 api is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Client{api: api, bucket: bucket}, nil
}

// NewFromConfig builds an S3 client with static credentials against cfg.Endpoint.
func NewFromConfig(ctx context.Context, cfg config.Archive) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint = withScheme(endpoint, cfg.DisableTLS)
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})
	return New(api, cfg.Bucket)
}

func withScheme(endpoint string, disableTLS bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if disableTLS {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// Key returns the object key for a report of kind taken at now.
func Key(kind string, now time.Time) string {
	now = now.UTC()
	return fmt.Sprintf("%s/%s/%s.json.zst", kind, now.Format("2006/01/02"), now.Format("150405.000000000Z"))
}

// Encode writes v as zstd-compressed JSON.
func Encode(w io.Writer, v any) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(v); err != nil {
		enc.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

// Decode reads zstd-compressed JSON written by Encode into v.
func Decode(r io.Reader, v any) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	if err := json.NewDecoder(dec).Decode(v); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	return nil
}

// Put compresses v and uploads it under key with a SHA-256 checksum.
func (c *Client) Put(ctx context.Context, key string, v any) (Object, error) {
	if c == nil {
		return Object{}, errors.New("nil client")
	}

	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return Object{}, err
	}

	sum := sha256.Sum256(buf.Bytes())
	digest := hex.EncodeToString(sum[:])
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(buf.Len())

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(buf.Bytes()),
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String(ContentType),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
		Metadata: map[string]string{
			"sha256": digest,
		},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}

	return Object{Bucket: c.bucket, Key: key, Size: size, SHA256: digest}, nil
}

// Get downloads the report at key and decodes it into v.
func (c *Client) Get(ctx context.Context, key string, v any) error {
	if c == nil {
		return errors.New("nil client")
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	return Decode(out.Body, v)
}
