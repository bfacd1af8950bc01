package opibuild

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Publisher uploads finished artifacts to an S3-compatible bucket.
type Publisher struct {
	Client *s3.Client
	Bucket string
}

// NewPublisher builds a client for the endpoint and credentials in cfg.
func NewPublisher(ctx context.Context, cfg *BuildConfig) (*Publisher, *ErrorContext) {
	if cfg.PublishEndpoint == "" || cfg.PublishBucket == "" ||
		cfg.PublishAccessKey == "" || cfg.PublishSecretKey == "" {
		return nil, Errorf(ConfigurationError,
			"publishing needs PUBLISH_ENDPOINT, PUBLISH_BUCKET, PUBLISH_ACCESS_KEY and PUBLISH_SECRET_KEY")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.PublishAccessKey, cfg.PublishSecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, Errorf(ConfigurationError, "failed to load publish config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.PublishEndpoint)
		o.UsePathStyle = true
	})
	return &Publisher{Client: client, Bucket: cfg.PublishBucket}, nil
}

// UploadFile streams a local file into the bucket under key.
func (p *Publisher) UploadFile(ctx context.Context, key, path string) *ErrorContext {
	file, err := os.Open(path)
	if err != nil {
		return Errorf(PreconditionMissing, "artifact %s unreadable: %v", path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return Errorf(ResourceUnavailable, "cannot stat %s: %v", path, err)
	}

	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".sha256"), strings.HasSuffix(key, ".sh"):
		contentType = "text/plain"
	case strings.HasSuffix(key, ".zst"):
		contentType = "application/zstd"
	case strings.HasSuffix(key, ".gz"):
		contentType = "application/gzip"
	case strings.HasSuffix(key, ".xz"):
		contentType = "application/x-xz"
	}

	_, err = p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Errorf(Cancelled, "upload of %s cancelled", key)
		}
		return Errorf(NetworkFailure, "upload of %s failed: %v", key, err)
	}
	return nil
}

// publishImage uploads the compressed image, its checksum and the flash
// script under a prefix keyed by release and date.
func publishImage(ctx context.Context, env *BuildEnv) *ErrorContext {
	pub, ec := NewPublisher(ctx, env.Cfg)
	if ec != nil {
		return ec
	}

	pattern := filepath.Join(env.Cfg.OutputDir, "orangepi-5-plus-ubuntu-*")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return Errorf(PreconditionMissing, "no image artifacts found under %s", env.Cfg.OutputDir)
	}
	flash := filepath.Join(env.Cfg.OutputDir, "flash-uboot.sh")
	if _, statErr := os.Stat(flash); statErr == nil {
		matches = append(matches, flash)
	}

	prefix := "images/" + env.Cfg.UbuntuCodename
	for _, path := range matches {
		key := prefix + "/" + filepath.Base(path)
		env.Log.Infof("", "uploading %s", key)
		if ec := pub.UploadFile(ctx, key, path); ec != nil {
			return ec
		}
	}
	env.Log.Infof("", "published %d artifact(s) to %s/%s", len(matches), env.Cfg.PublishBucket, prefix)
	return nil
}
