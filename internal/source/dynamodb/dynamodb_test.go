package dynamodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/export"
	"github.com/mehmetymw/ddb2search/internal/stream"
	"github.com/mehmetymw/ddb2search/internal/types"
)

func TestParseItemJSON(t *testing.T) {
	raw := `{
		"pk": {"S": "p1"},
		"price": {"N": "19.50"},
		"live": {"BOOL": true},
		"gone": {"NULL": true},
		"blob": {"B": "aGk="},
		"tags": {"SS": ["a", "b"]},
		"sizes": {"NS": ["1", "2"]},
		"dims": {"M": {"w": {"N": "3"}}},
		"hist": {"L": [{"S": "x"}, {"N": "4"}]}
	}`
	item, err := ParseItemJSON([]byte(raw))
	require.NoError(t, err)
	attrs, err := Attributes(item)
	require.NoError(t, err)

	assert.Equal(t, "p1", attrs["pk"])
	assert.Equal(t, json.Number("19.50"), attrs["price"])
	assert.Equal(t, true, attrs["live"])
	assert.Nil(t, attrs["gone"])
	assert.Equal(t, []byte("hi"), attrs["blob"])
	assert.Equal(t, []string{"a", "b"}, attrs["tags"])
	assert.Equal(t, []json.Number{"1", "2"}, attrs["sizes"])
	assert.Equal(t, map[string]any{"w": json.Number("3")}, attrs["dims"])
	assert.Equal(t, []any{"x", json.Number("4")}, attrs["hist"])
}

func TestParseItemJSONRejectsUnknownDescriptor(t *testing.T) {
	_, err := ParseItemJSON([]byte(`{"pk":{"Q":"1"}}`))
	assert.Error(t, err)

	_, err = ParseItemJSON([]byte(`{"pk":{"S":"1","N":"2"}}`))
	assert.Error(t, err)
}

type fakeStreams struct {
	describe []*dynamodbstreams.DescribeStreamOutput
	calls    int
	records  *dynamodbstreams.GetRecordsOutput
	err      error
	lastIter *dynamodbstreams.GetShardIteratorInput
}

func (f *fakeStreams) DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	out := f.describe[f.calls]
	f.calls++
	return out, nil
}

func (f *fakeStreams) GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	f.lastIter = in
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String("it-" + aws.ToString(in.ShardId))}, nil
}

func (f *fakeStreams) GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func TestShardsPaginates(t *testing.T) {
	api := &fakeStreams{describe: []*dynamodbstreams.DescribeStreamOutput{
		{StreamDescription: &streamtypes.StreamDescription{
			Shards: []streamtypes.Shard{{
				ShardId:             aws.String("s1"),
				SequenceNumberRange: &streamtypes.SequenceNumberRange{StartingSequenceNumber: aws.String("1"), EndingSequenceNumber: aws.String("9")},
			}},
			LastEvaluatedShardId: aws.String("s1"),
		}},
		{StreamDescription: &streamtypes.StreamDescription{
			Shards: []streamtypes.Shard{{ShardId: aws.String("s2"), ParentShardId: aws.String("s1")}},
		}},
	}}
	src := NewStreamSource(api, "arn:stream", KeySchema{Partition: "pk"}, zap.NewNop())

	shards, err := src.Shards(context.Background())
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.True(t, shards[0].Closed())
	assert.Equal(t, "s1", shards[1].ParentID)
	assert.False(t, shards[1].Closed())
}

func TestOpenPositions(t *testing.T) {
	api := &fakeStreams{}
	src := NewStreamSource(api, "arn:stream", KeySchema{Partition: "pk"}, zap.NewNop())

	it, err := src.Open(context.Background(), "s1", stream.Position{Type: stream.AfterSequence, Sequence: "42"})
	require.NoError(t, err)
	assert.Equal(t, "it-s1", it)
	assert.Equal(t, streamtypes.ShardIteratorTypeAfterSequenceNumber, api.lastIter.ShardIteratorType)
	assert.Equal(t, "42", aws.ToString(api.lastIter.SequenceNumber))

	_, err = src.Open(context.Background(), "s1", stream.Position{Type: stream.Latest})
	require.NoError(t, err)
	assert.Equal(t, streamtypes.ShardIteratorTypeLatest, api.lastIter.ShardIteratorType)
}

func TestFetchMapsRecords(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	api := &fakeStreams{records: &dynamodbstreams.GetRecordsOutput{
		Records: []streamtypes.Record{
			{
				EventName: streamtypes.OperationTypeModify,
				Dynamodb: &streamtypes.StreamRecord{
					SequenceNumber:              aws.String("100"),
					ApproximateCreationDateTime: &at,
					Keys:                        map[string]streamtypes.AttributeValue{"pk": &streamtypes.AttributeValueMemberS{Value: "p1"}, "sk": &streamtypes.AttributeValueMemberN{Value: "7"}},
					NewImage: map[string]streamtypes.AttributeValue{
						"pk":    &streamtypes.AttributeValueMemberS{Value: "p1"},
						"sk":    &streamtypes.AttributeValueMemberN{Value: "7"},
						"title": &streamtypes.AttributeValueMemberS{Value: "Lamp"},
					},
				},
			},
			{
				EventName: streamtypes.OperationTypeRemove,
				Dynamodb: &streamtypes.StreamRecord{
					SequenceNumber: aws.String("101"),
					Keys:           map[string]streamtypes.AttributeValue{"pk": &streamtypes.AttributeValueMemberS{Value: "p2"}, "sk": &streamtypes.AttributeValueMemberN{Value: "1"}},
				},
			},
		},
		NextShardIterator: aws.String("next"),
	}}
	src := NewStreamSource(api, "arn:stream", KeySchema{Partition: "pk", Sort: "sk"}, zap.NewNop())

	batch, err := src.Fetch(context.Background(), "it", 100)
	require.NoError(t, err)
	assert.Equal(t, "next", batch.Next)
	assert.False(t, batch.Closed)
	require.Len(t, batch.Records, 2)

	mod := batch.Records[0]
	assert.Equal(t, types.Modify, mod.Kind)
	assert.Equal(t, types.Key{Partition: "p1", Sort: "7"}, mod.Key)
	assert.Equal(t, "Lamp", mod.NewImage["title"])
	assert.True(t, mod.ApproximateTime.Equal(at))

	rm := batch.Records[1]
	assert.Equal(t, types.Remove, rm.Kind)
	assert.Equal(t, types.Key{Partition: "p2", Sort: "1"}, rm.Key)
	assert.Nil(t, rm.NewImage)
}

func TestFetchClosedShard(t *testing.T) {
	api := &fakeStreams{records: &dynamodbstreams.GetRecordsOutput{}}
	src := NewStreamSource(api, "arn:stream", KeySchema{Partition: "pk"}, zap.NewNop())

	batch, err := src.Fetch(context.Background(), "it", 100)
	require.NoError(t, err)
	assert.True(t, batch.Closed)
}

func TestStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"expired", &streamtypes.ExpiredIteratorException{Message: aws.String("expired")}, stream.ErrExpiredCursor},
		{"trimmed", &streamtypes.TrimmedDataAccessException{Message: aws.String("trimmed")}, stream.ErrTrimmed},
		{"missing", &streamtypes.ResourceNotFoundException{Message: aws.String("gone")}, stream.ErrTrimmed},
		{"throttled", &streamtypes.LimitExceededException{Message: aws.String("slow")}, types.ErrTransient},
		{"transport", errors.New("connection reset"), types.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeStreams{err: tt.err}
			src := NewStreamSource(api, "arn:stream", KeySchema{Partition: "pk"}, zap.NewNop())
			_, err := src.Fetch(context.Background(), "it", 10)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassifyClientFault(t *testing.T) {
	err := classify(&smithy.GenericAPIError{Code: "ValidationException", Fault: smithy.FaultClient})
	assert.False(t, types.IsTransient(err))

	err = classify(&smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer})
	assert.True(t, types.IsTransient(err))

	assert.False(t, types.IsTransient(classify(context.Canceled)))
}

type fakeTable struct{ out *dynamodb.DescribeTableOutput }

func (f fakeTable) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return f.out, nil
}

func TestDescribeTable(t *testing.T) {
	api := fakeTable{out: &dynamodb.DescribeTableOutput{Table: &ddbtypes.TableDescription{
		TableName:       aws.String("orders"),
		TableArn:        aws.String("arn:table/orders"),
		LatestStreamArn: aws.String("arn:table/orders/stream/1"),
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: ddbtypes.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: ddbtypes.KeyTypeRange},
		},
		StreamSpecification: &ddbtypes.StreamSpecification{StreamEnabled: aws.Bool(true), StreamViewType: ddbtypes.StreamViewTypeKeysOnly},
	}}}

	info, err := DescribeTable(context.Background(), api, "orders")
	require.NoError(t, err)
	assert.Equal(t, KeySchema{Partition: "pk", Sort: "sk"}, info.Key)
	assert.Equal(t, "arn:table/orders/stream/1", info.StreamArn)
	assert.Error(t, info.CheckStream())

	info.StreamViewType = string(ddbtypes.StreamViewTypeNewAndOldImages)
	assert.NoError(t, info.CheckStream())
}

type fakeObjects map[string][]byte

func (f fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Fault: smithy.FaultClient}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestJobFromDescription(t *testing.T) {
	exportAt := time.UnixMilli(1_700_000_000_000)
	job := jobFrom(&ddbtypes.ExportDescription{
		ExportArn:      aws.String("arn:export/1"),
		ExportStatus:   ddbtypes.ExportStatusCompleted,
		ExportTime:     &exportAt,
		ItemCount:      aws.Int64(2),
		S3Bucket:       aws.String("bkt"),
		ExportManifest: aws.String("AWSDynamoDB/1/manifest-summary.json"),
	})
	assert.Equal(t, types.ExportCompleted, job.Status)
	assert.Equal(t, "s3://bkt/AWSDynamoDB/1/manifest-summary.json", job.ManifestLocation)
	assert.True(t, job.ExportTime.Equal(exportAt))
	assert.EqualValues(t, 2, job.ItemCount)

	assert.Equal(t, types.ExportInProgress, jobFrom(&ddbtypes.ExportDescription{ExportStatus: ddbtypes.ExportStatusInProgress}).Status)
	assert.Equal(t, types.ExportFailed, jobFrom(&ddbtypes.ExportDescription{ExportStatus: ddbtypes.ExportStatusFailed}).Status)
}

func TestReadManifestAndFiles(t *testing.T) {
	objects := fakeObjects{
		"bkt/AWSDynamoDB/1/manifest-summary.json": []byte(`{"itemCount":2,"manifestFilesS3Key":"AWSDynamoDB/1/manifest-files.json"}`),
		"bkt/AWSDynamoDB/1/manifest-files.json": []byte(strings.Join([]string{
			`{"itemCount":1,"dataFileS3Key":"AWSDynamoDB/1/data/a.json.gz"}`,
			`{"itemCount":1,"dataFileS3Key":"AWSDynamoDB/1/data/b.json.gz"}`,
		}, "\n")),
		"bkt/AWSDynamoDB/1/data/a.json.gz": gz(t, `{"Item":{"pk":{"S":"p1"},"price":{"N":"3"}}}`+"\n"),
		"bkt/AWSDynamoDB/1/data/b.json.gz": gz(t, "\n"+`{"Item":{"pk":{"S":"p2"}}}`+"\n"),
	}
	src := NewExportSource(nil, objects, "arn:table/orders", "bkt", "", zap.NewNop())
	ctx := context.Background()

	m, err := src.ReadManifest(ctx, types.ExportJob{ManifestLocation: "s3://bkt/AWSDynamoDB/1/manifest-summary.json"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.ItemCount)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "s3://bkt/AWSDynamoDB/1/data/a.json.gz", m.Files[0].Key)

	var pks []any
	for _, f := range m.Files {
		r, err := src.OpenFile(ctx, f)
		require.NoError(t, err)
		for {
			item, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			pks = append(pks, item["pk"])
		}
		require.NoError(t, r.Close())
	}
	assert.Equal(t, []any{"p1", "p2"}, pks)
}

func TestOpenFileMissingObject(t *testing.T) {
	src := NewExportSource(nil, fakeObjects{}, "arn", "bkt", "", zap.NewNop())
	_, err := src.OpenFile(context.Background(), export.DataFile{Key: "s3://bkt/nope.json.gz"})
	require.Error(t, err)
	assert.False(t, types.IsTransient(err))

	_, err = src.OpenFile(context.Background(), export.DataFile{Key: "nope"})
	assert.Error(t, err)
}

type fakeExports struct {
	start *dynamodb.ExportTableToPointInTimeInput
}

func (f *fakeExports) ExportTableToPointInTime(ctx context.Context, in *dynamodb.ExportTableToPointInTimeInput, _ ...func(*dynamodb.Options)) (*dynamodb.ExportTableToPointInTimeOutput, error) {
	f.start = in
	return &dynamodb.ExportTableToPointInTimeOutput{ExportDescription: &ddbtypes.ExportDescription{
		ExportArn:    aws.String("arn:export/9"),
		ExportStatus: ddbtypes.ExportStatusInProgress,
	}}, nil
}

func (f *fakeExports) DescribeExport(ctx context.Context, in *dynamodb.DescribeExportInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeExportOutput, error) {
	return &dynamodb.DescribeExportOutput{ExportDescription: &ddbtypes.ExportDescription{
		ExportArn:    in.ExportArn,
		ExportStatus: ddbtypes.ExportStatusCompleted,
	}}, nil
}

func TestStartExport(t *testing.T) {
	api := &fakeExports{}
	src := NewExportSource(api, nil, "arn:table/orders", "bkt", "exports/orders", zap.NewNop())

	job, err := src.StartExport(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "arn:export/9", job.ID)
	assert.Equal(t, "orders", job.TableID)
	assert.Equal(t, types.ExportInProgress, job.Status)
	assert.Equal(t, ddbtypes.ExportFormatDynamodbJson, api.start.ExportFormat)
	assert.Equal(t, "exports/orders", aws.ToString(api.start.S3Prefix))
	assert.NotEmpty(t, aws.ToString(api.start.ClientToken))

	job, err = src.DescribeExport(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExportCompleted, job.Status)
}
