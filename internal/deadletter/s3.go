package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes one object per dead letter under
// <prefix>/<yyyy>/<mm>/<dd>/<id>.json.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

func NewS3(client objectPutter, bucket, prefix string, logger *zap.Logger) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3) Key(rec types.DeadLetterRecord) string {
	return path.Join(s.prefix, rec.LastFailure.UTC().Format("2006/01/02"), rec.ID+".json")
}

func (s *S3) Append(ctx context.Context, rec types.DeadLetterRecord) error {
	rec = Stamp(rec)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.Key(rec)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Error("Failed to write dead letter to S3",
			zap.String("bucket", s.bucket),
			zap.String("key", key),
			zap.Error(err))
		return types.Transient(err)
	}
	return nil
}

func (s *S3) Close() error { return nil }
