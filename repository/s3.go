package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Repository serves configuration definitions from YAML objects under a
// prefix in an S3 bucket.
type S3Repository struct {
	Bucket string
	Prefix string
	Region string

	clientOnce sync.Once
	client     *s3.Client
	clientErr  error
}

// NewS3Repository creates an S3Repository for the given bucket/prefix/region.
func NewS3Repository(bucket, prefix, region string) (*S3Repository, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 repository bucket is required")
	}
	return &S3Repository{Bucket: bucket, Prefix: prefix, Region: region}, nil
}

func (s *S3Repository) key(path string) string {
	if s.Prefix == "" {
		return path
	}
	return strings.TrimSuffix(s.Prefix, "/") + "/" + path
}

func (s *S3Repository) ensureClient(ctx context.Context) (*s3.Client, error) {
	s.clientOnce.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
		if err != nil {
			s.clientErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg)
	})
	return s.client, s.clientErr
}

func (s *S3Repository) Exists(ctx context.Context, path string) (bool, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return false, err
	}
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.Bucket, Key: awsString(s.key(path))})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Repository) GetUpdateTime(ctx context.Context, path string) (time.Time, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return time.Time{}, err
	}
	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.Bucket, Key: awsString(s.key(path))})
	if err != nil {
		return time.Time{}, err
	}
	if out.LastModified == nil {
		return time.Time{}, nil
	}
	return *out.LastModified, nil
}

func (s *S3Repository) Load(ctx context.Context, path string) (ParsedConfig, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.Bucket, Key: awsString(s.key(path))})
	if err != nil {
		return nil, fmt.Errorf("get s3 object %s: %w", s.key(path), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

func (s *S3Repository) GetAllLoadablesDefinitionNames(ctx context.Context) ([]string, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: &s.Bucket,
		Prefix: awsString(s.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			rel := strings.TrimPrefix(*obj.Key, strings.TrimSuffix(s.Prefix, "/")+"/")
			names = append(names, rel)
		}
	}
	return names, nil
}

func awsString(s string) *string { return &s }
