package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/pi-docket/ConvertX-CN/config"
	"github.com/pi-docket/ConvertX-CN/models"
)

// deleteBatch is the S3 DeleteObjects limit.
const deleteBatch = 1000

// S3Storage keeps uploads and outputs in a bucket under
// {prefix}/uploads/{owner}/{job} and {prefix}/outputs/{owner}/{job}.
type S3Storage struct {
	client   s3iface.S3API
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
}

func NewS3Storage(cfg *config.Config) (*S3Storage, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return newS3StorageWithClient(s3.New(sess), cfg.S3Bucket, cfg.S3Prefix), nil
}

func newS3StorageWithClient(client s3iface.S3API, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		uploader: s3manager.NewUploaderWithClient(client),
	}
}

func (s *S3Storage) dirKey(kind, owner, jobID string) string {
	return path.Join(s.prefix, kind, ownerSegment(owner), jobID)
}

func (s *S3Storage) objectKey(kind, owner, jobID, filename string) string {
	return path.Join(s.dirKey(kind, owner, jobID), fileSegment(filename))
}

func (s *S3Storage) location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *S3Storage) UploadDir(owner, jobID string) string {
	return s.location(s.dirKey("uploads", owner, jobID) + "/")
}

func (s *S3Storage) UploadPath(owner, jobID, filename string) string {
	return s.location(s.objectKey("uploads", owner, jobID, filename))
}

func (s *S3Storage) OutputPath(owner, jobID, filename string) string {
	return s.location(s.objectKey("outputs", owner, jobID, filename))
}

func (s *S3Storage) SaveUpload(ctx context.Context, owner, jobID, filename string, r io.Reader) (int64, error) {
	return s.put(ctx, s.objectKey("uploads", owner, jobID, filename), r)
}

func (s *S3Storage) OpenUpload(ctx context.Context, owner, jobID, filename string) (io.ReadCloser, error) {
	return s.get(ctx, s.objectKey("uploads", owner, jobID, filename))
}

func (s *S3Storage) SaveOutput(ctx context.Context, owner, jobID, filename string, r io.Reader) (int64, error) {
	return s.put(ctx, s.objectKey("outputs", owner, jobID, filename), r)
}

func (s *S3Storage) OpenOutput(ctx context.Context, owner, jobID, filename string) (io.ReadCloser, error) {
	return s.get(ctx, s.objectKey("outputs", owner, jobID, filename))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *S3Storage) put(ctx context.Context, key string, r io.Reader) (int64, error) {
	body := &countingReader{r: r}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return 0, &models.StorageError{Op: "upload", Path: s.location(key), Err: err}
	}
	return body.n, nil
}

func (s *S3Storage) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			err = fs.ErrNotExist
		}
		return nil, &models.StorageError{Op: "download", Path: s.location(key), Err: err}
	}
	return out.Body, nil
}

func (s *S3Storage) RemoveJob(ctx context.Context, owner, jobID string) (int64, error) {
	var freed int64
	var objects []*s3.ObjectIdentifier

	for _, kind := range []string{"uploads", "outputs"} {
		prefix := s.dirKey(kind, owner, jobID) + "/"
		err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
				freed += aws.Int64Value(obj.Size)
			}
			return true
		})
		if err != nil {
			return 0, &models.StorageError{Op: "list", Path: s.location(prefix), Err: err}
		}
	}

	for start := 0; start < len(objects); start += deleteBatch {
		end := min(start+deleteBatch, len(objects))
		out, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: objects[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return 0, &models.StorageError{Op: "delete", Path: s.location(s.dirKey("uploads", owner, jobID)), Err: err}
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return 0, &models.StorageError{
				Op:   "delete",
				Path: s.location(aws.StringValue(first.Key)),
				Err:  fmt.Errorf("%s: %s", aws.StringValue(first.Code), aws.StringValue(first.Message)),
			}
		}
	}
	return freed, nil
}
