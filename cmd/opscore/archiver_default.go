//go:build !gcp

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/stackbound/opscore/pkg/archive"
)

func newArchiver(ctx context.Context, provider, bucket string) (archive.Archiver, error) {
	switch provider {
	case "", "s3":
		return archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:   bucket,
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: os.Getenv("OPSCORE_S3_ENDPOINT"),
		})
	case "gcs":
		return nil, fmt.Errorf("this build lacks GCS support (rebuild with -tags gcp)")
	default:
		return nil, fmt.Errorf("unknown archive provider %q", provider)
	}
}
