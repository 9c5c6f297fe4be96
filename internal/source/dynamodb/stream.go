package dynamodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/stream"
	"github.com/mehmetymw/ddb2search/internal/transform"
	"github.com/mehmetymw/ddb2search/internal/types"
)

type streamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// StreamSource reads one table's DynamoDB stream.
type StreamSource struct {
	client    streamsAPI
	streamArn string
	key       KeySchema
	logger    *zap.Logger
}

func NewStreamSource(client streamsAPI, streamArn string, key KeySchema, logger *zap.Logger) *StreamSource {
	return &StreamSource{client: client, streamArn: streamArn, key: key, logger: logger}
}

func (s *StreamSource) Shards(ctx context.Context) ([]stream.Shard, error) {
	var shards []stream.Shard
	var start *string
	for {
		out, err := s.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(s.streamArn),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return nil, classify(err)
		}
		desc := out.StreamDescription
		if desc == nil {
			return nil, fmt.Errorf("stream %s: empty description", s.streamArn)
		}
		for _, sh := range desc.Shards {
			shard := stream.Shard{ID: aws.ToString(sh.ShardId), ParentID: aws.ToString(sh.ParentShardId)}
			if sh.SequenceNumberRange != nil {
				shard.EndSequence = aws.ToString(sh.SequenceNumberRange.EndingSequenceNumber)
			}
			shards = append(shards, shard)
		}
		if desc.LastEvaluatedShardId == nil {
			break
		}
		start = desc.LastEvaluatedShardId
	}
	return shards, nil
}

func (s *StreamSource) Open(ctx context.Context, shardID string, pos stream.Position) (string, error) {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(s.streamArn),
		ShardId:   aws.String(shardID),
	}
	switch pos.Type {
	case stream.Latest:
		in.ShardIteratorType = streamtypes.ShardIteratorTypeLatest
	case stream.TrimHorizon:
		in.ShardIteratorType = streamtypes.ShardIteratorTypeTrimHorizon
	case stream.AfterSequence:
		in.ShardIteratorType = streamtypes.ShardIteratorTypeAfterSequenceNumber
		in.SequenceNumber = aws.String(pos.Sequence)
	default:
		return "", fmt.Errorf("unknown position %q", pos.Type)
	}
	out, err := s.client.GetShardIterator(ctx, in)
	if err != nil {
		return "", streamErr(err)
	}
	return aws.ToString(out.ShardIterator), nil
}

func (s *StreamSource) Fetch(ctx context.Context, cursor string, limit int) (stream.Batch, error) {
	out, err := s.client.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(cursor),
		Limit:         aws.Int32(int32(limit)),
	})
	if err != nil {
		return stream.Batch{}, streamErr(err)
	}
	batch := stream.Batch{Records: make([]types.ChangeEvent, 0, len(out.Records))}
	for _, rec := range out.Records {
		ev, err := s.event(rec)
		if err != nil {
			return stream.Batch{}, err
		}
		batch.Records = append(batch.Records, ev)
	}
	if out.NextShardIterator == nil {
		batch.Closed = true
	} else {
		batch.Next = *out.NextShardIterator
	}
	return batch, nil
}

func (s *StreamSource) event(rec streamtypes.Record) (types.ChangeEvent, error) {
	if rec.Dynamodb == nil {
		return types.ChangeEvent{}, fmt.Errorf("stream record %s has no payload", aws.ToString(rec.EventID))
	}
	ev := types.ChangeEvent{
		Sequence: aws.ToString(rec.Dynamodb.SequenceNumber),
		Kind:     types.ChangeKind(rec.EventName),
	}
	if rec.Dynamodb.ApproximateCreationDateTime != nil {
		ev.ApproximateTime = *rec.Dynamodb.ApproximateCreationDateTime
	}
	var err error
	if ev.NewImage, err = streamImage(rec.Dynamodb.NewImage); err != nil {
		return ev, err
	}
	if ev.OldImage, err = streamImage(rec.Dynamodb.OldImage); err != nil {
		return ev, err
	}
	keys, err := streamImage(rec.Dynamodb.Keys)
	if err != nil {
		return ev, err
	}
	// A record without a usable key keeps a zero key and is dead-lettered
	// downstream rather than stalling the shard.
	if key, err := transform.KeyOf(keys, s.key.Partition, s.key.Sort); err == nil {
		ev.Key = key
	} else {
		s.logger.Warn("Stream record without key", zap.String("sequence", ev.Sequence), zap.Error(err))
	}
	if ev.Kind != types.Remove && ev.NewImage == nil {
		ev.NewImage = keys
	}
	return ev, nil
}

func streamImage(img map[string]streamtypes.AttributeValue) (map[string]any, error) {
	if img == nil {
		return nil, nil
	}
	item, err := attributevalue.FromDynamoDBStreamsMap(img)
	if err != nil {
		return nil, err
	}
	return Attributes(item)
}

func streamErr(err error) error {
	var expired *streamtypes.ExpiredIteratorException
	var trimmed *streamtypes.TrimmedDataAccessException
	var missing *streamtypes.ResourceNotFoundException
	switch {
	case errors.As(err, &expired):
		return fmt.Errorf("%w: %v", stream.ErrExpiredCursor, err)
	case errors.As(err, &trimmed), errors.As(err, &missing):
		return fmt.Errorf("%w: %v", stream.ErrTrimmed, err)
	}
	return classify(err)
}
