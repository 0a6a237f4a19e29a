package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ransomeye/core/pkg/faults"
)

// S3Store keeps bundles in an S3 bucket, one object per bundle file
// under <prefix><bundle_id>/.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds S3 backend configuration. Endpoint supports MinIO and
// LocalStack deployments.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Store builds the client from ambient AWS credentials.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, faults.Unavailablef("bundle store: aws config: %v", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3Store) key(bundleID, rel string) string {
	return s.prefix + bundleID + "/" + filepath.ToSlash(rel)
}

// Put implements bundle.Store. The manifest is uploaded last so a
// partially uploaded bundle is never mistaken for a complete one.
func (s *S3Store) Put(ctx context.Context, bundleID, srcDir string) (string, error) {
	var files []string
	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", faults.Unavailablef("bundle store: walk %s: %v", srcDir, err)
	}

	ordered := make([]string, 0, len(files))
	for _, rel := range files {
		if rel != "manifest.json" && rel != "manifest.sig" {
			ordered = append(ordered, rel)
		}
	}
	ordered = append(ordered, "manifest.sig", "manifest.json")

	for _, rel := range ordered {
		f, err := os.Open(filepath.Join(srcDir, rel))
		if err != nil {
			return "", faults.Unavailablef("bundle store: open %s: %v", rel, err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(bundleID, rel)),
			Body:   f,
		})
		_ = f.Close()
		if err != nil {
			return "", faults.Unavailablef("bundle store: upload %s: %v", rel, err)
		}
	}
	return "s3://" + s.bucket + "/" + s.prefix + bundleID, nil
}

// Fetch implements bundle.Store.
func (s *S3Store) Fetch(ctx context.Context, bundleID, destDir string) error {
	prefix := s.prefix + bundleID + "/"
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return faults.Unavailablef("bundle store: list %s: %v", bundleID, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if len(keys) == 0 {
		return faults.NotFoundf("bundle %s", bundleID)
	}

	for _, key := range keys {
		if err := s.download(ctx, key, filepath.Join(destDir, filepath.FromSlash(strings.TrimPrefix(key, prefix)))); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) download(ctx context.Context, key, target string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return faults.Unavailablef("bundle store: get %s: %v", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return faults.Unavailablef("bundle store: mkdir for %s: %v", key, err)
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return faults.Unavailablef("bundle store: create %s: %v", target, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return faults.Unavailablef("bundle store: download %s: %v", key, err)
	}
	return f.Close()
}
