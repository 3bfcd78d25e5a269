package ebd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// MirrorClient wraps the S3 client for the binary package mirror. Any
// S3-compatible store works; the account-scoped endpoint form matches
// Cloudflare R2.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient builds a mirror client from the MIRROR_* configuration.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	accountID := cfg.Values["MIRROR_ACCOUNT_ID"]
	accessKey := cfg.Values["MIRROR_ACCESS_KEY_ID"]
	secretKey := cfg.Values["MIRROR_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["MIRROR_BUCKET_NAME"]
	endpoint := cfg.Values["MIRROR_ENDPOINT"]

	if endpoint == "" && accountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}
	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("mirror credentials missing in configuration (MIRROR_ACCOUNT_ID or MIRROR_ENDPOINT, MIRROR_ACCESS_KEY_ID, MIRROR_SECRET_ACCESS_KEY, MIRROR_BUCKET_NAME)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &MirrorClient{Client: client, BucketName: bucketName}, nil
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// DownloadFile fetches an object from the mirror.
func (m *MirrorClient) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()
	return io.ReadAll(output.Body)
}

// UploadFile uploads in-memory data to the mirror.
func (m *MirrorClient) UploadFile(ctx context.Context, key string, body []byte) error {
	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

// UploadLocalFile uploads a file from disk, with a progress bar when stderr
// is a terminal.
func (m *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	var body io.Reader = file
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(stat.Size(), "uploading "+key)
		body = io.TeeReader(file, bar)
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

// DeleteFile removes an object from the mirror.
func (m *MirrorClient) DeleteFile(ctx context.Context, key string) error {
	_, err := m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// MirrorObject is one remote object's key and size.
type MirrorObject struct {
	Key  string
	Size int64
}

// ListObjects returns every object under prefix, following pagination.
func (m *MirrorClient) ListObjects(ctx context.Context, prefix string) ([]MirrorObject, error) {
	var objects []MirrorObject
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, MirrorObject{Key: *obj.Key, Size: *obj.Size})
		}
	}
	return objects, nil
}
