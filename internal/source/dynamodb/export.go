package dynamodb

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/export"
	"github.com/mehmetymw/ddb2search/internal/types"
)

type exportAPI interface {
	ExportTableToPointInTime(ctx context.Context, in *dynamodb.ExportTableToPointInTimeInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExportTableToPointInTimeOutput, error)
	DescribeExport(ctx context.Context, in *dynamodb.DescribeExportInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeExportOutput, error)
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ExportSource runs DynamoDB point-in-time exports into S3 and reads their
// DYNAMODB_JSON output.
type ExportSource struct {
	ddb      exportAPI
	s3       objectGetter
	tableArn string
	bucket   string
	prefix   string
	logger   *zap.Logger
}

func NewExportSource(ddb exportAPI, s3c objectGetter, tableArn, bucket, prefix string, logger *zap.Logger) *ExportSource {
	return &ExportSource{ddb: ddb, s3: s3c, tableArn: tableArn, bucket: bucket, prefix: prefix, logger: logger}
}

func (e *ExportSource) StartExport(ctx context.Context, table string) (types.ExportJob, error) {
	in := &dynamodb.ExportTableToPointInTimeInput{
		TableArn:     aws.String(e.tableArn),
		S3Bucket:     aws.String(e.bucket),
		ExportFormat: ddbtypes.ExportFormatDynamodbJson,
		ClientToken:  aws.String(uuid.NewString()),
	}
	if e.prefix != "" {
		in.S3Prefix = aws.String(e.prefix)
	}
	out, err := e.ddb.ExportTableToPointInTime(ctx, in)
	if err != nil {
		return types.ExportJob{}, classify(err)
	}
	job := jobFrom(out.ExportDescription)
	job.TableID = table
	return job, nil
}

func (e *ExportSource) DescribeExport(ctx context.Context, jobID string) (types.ExportJob, error) {
	out, err := e.ddb.DescribeExport(ctx, &dynamodb.DescribeExportInput{ExportArn: aws.String(jobID)})
	if err != nil {
		return types.ExportJob{}, classify(err)
	}
	return jobFrom(out.ExportDescription), nil
}

func jobFrom(d *ddbtypes.ExportDescription) types.ExportJob {
	if d == nil {
		return types.ExportJob{Status: types.ExportPending}
	}
	job := types.ExportJob{
		ID:             aws.ToString(d.ExportArn),
		FailureMessage: aws.ToString(d.FailureMessage),
	}
	switch d.ExportStatus {
	case ddbtypes.ExportStatusCompleted:
		job.Status = types.ExportCompleted
	case ddbtypes.ExportStatusFailed:
		job.Status = types.ExportFailed
	default:
		job.Status = types.ExportInProgress
	}
	if d.StartTime != nil {
		job.RequestedAt = *d.StartTime
	}
	if d.ExportTime != nil {
		job.ExportTime = *d.ExportTime
	}
	if d.ItemCount != nil {
		job.ItemCount = *d.ItemCount
	}
	if d.ExportManifest != nil {
		job.ManifestLocation = "s3://" + aws.ToString(d.S3Bucket) + "/" + *d.ExportManifest
	}
	return job
}

type manifestSummary struct {
	ItemCount          int64  `json:"itemCount"`
	ManifestFilesS3Key string `json:"manifestFilesS3Key"`
}

type manifestFile struct {
	ItemCount     int64  `json:"itemCount"`
	DataFileS3Key string `json:"dataFileS3Key"`
}

func splitLocation(loc string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return "", "", fmt.Errorf("manifest location %q is not an s3 url", loc)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", "", fmt.Errorf("manifest location %q has no key", loc)
	}
	return bucket, key, nil
}

func (e *ExportSource) get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := e.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classify(err)
	}
	return out.Body, nil
}

func (e *ExportSource) ReadManifest(ctx context.Context, job types.ExportJob) (export.Manifest, error) {
	bucket, key, err := splitLocation(job.ManifestLocation)
	if err != nil {
		return export.Manifest{}, err
	}
	body, err := e.get(ctx, bucket, key)
	if err != nil {
		return export.Manifest{}, err
	}
	var summary manifestSummary
	err = json.NewDecoder(body).Decode(&summary)
	body.Close()
	if err != nil {
		return export.Manifest{}, fmt.Errorf("decode manifest summary: %w", err)
	}

	files, err := e.get(ctx, bucket, summary.ManifestFilesS3Key)
	if err != nil {
		return export.Manifest{}, err
	}
	defer files.Close()
	m := export.Manifest{ItemCount: summary.ItemCount}
	dec := json.NewDecoder(files)
	for {
		var f manifestFile
		if err := dec.Decode(&f); err == io.EOF {
			break
		} else if err != nil {
			return export.Manifest{}, fmt.Errorf("decode manifest files: %w", err)
		}
		m.Files = append(m.Files, export.DataFile{Key: "s3://" + bucket + "/" + f.DataFileS3Key, ItemCount: f.ItemCount})
	}
	e.logger.Info("Read export manifest",
		zap.String("manifest", job.ManifestLocation),
		zap.Int("files", len(m.Files)),
		zap.Int64("items", m.ItemCount))
	return m, nil
}

func (e *ExportSource) OpenFile(ctx context.Context, file export.DataFile) (export.ItemReader, error) {
	bucket, key, err := splitLocation(file.Key)
	if err != nil {
		return nil, err
	}
	body, err := e.get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return newItemReader(body, strings.HasSuffix(key, ".gz"))
}

// itemReader decodes the {"Item":{...}} lines of one export data file.
type itemReader struct {
	body    io.ReadCloser
	gz      *gzip.Reader
	scanner *bufio.Scanner
}

const maxLine = 1 << 20 // DynamoDB items are at most 400 KB

func newItemReader(body io.ReadCloser, gzipped bool) (*itemReader, error) {
	r := &itemReader{body: body}
	var src io.Reader = body
	if gzipped {
		gz, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, types.Transient(err)
		}
		r.gz = gz
		src = gz
	}
	r.scanner = bufio.NewScanner(src)
	r.scanner.Buffer(make([]byte, 64*1024), 4*maxLine)
	return r, nil
}

func (r *itemReader) Next() (map[string]any, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var wrapper struct {
			Item json.RawMessage `json:"Item"`
		}
		if err := json.Unmarshal(line, &wrapper); err != nil {
			return nil, fmt.Errorf("decode export line: %w", err)
		}
		item, err := ParseItemJSON(wrapper.Item)
		if err != nil {
			return nil, err
		}
		return Attributes(item)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, types.Transient(err)
	}
	return nil, io.EOF
}

func (r *itemReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.body.Close()
}
