package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type KeySchema struct {
	Partition string
	Sort      string
}

type TableInfo struct {
	Name           string
	Arn            string
	Key            KeySchema
	StreamArn      string
	StreamViewType string
}

type tableAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DescribeTable reads the key schema and latest stream of a table.
func DescribeTable(ctx context.Context, client tableAPI, name string) (TableInfo, error) {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return TableInfo{}, classify(err)
	}
	t := out.Table
	if t == nil {
		return TableInfo{}, fmt.Errorf("table %s: empty description", name)
	}
	info := TableInfo{
		Name:      aws.ToString(t.TableName),
		Arn:       aws.ToString(t.TableArn),
		StreamArn: aws.ToString(t.LatestStreamArn),
	}
	for _, k := range t.KeySchema {
		switch k.KeyType {
		case ddbtypes.KeyTypeHash:
			info.Key.Partition = aws.ToString(k.AttributeName)
		case ddbtypes.KeyTypeRange:
			info.Key.Sort = aws.ToString(k.AttributeName)
		}
	}
	if t.StreamSpecification != nil {
		info.StreamViewType = string(t.StreamSpecification.StreamViewType)
	}
	return info, nil
}

// CheckStream reports whether the table's stream carries item images.
func (t TableInfo) CheckStream() error {
	if t.StreamArn == "" {
		return fmt.Errorf("table %s has no stream enabled", t.Name)
	}
	switch ddbtypes.StreamViewType(t.StreamViewType) {
	case ddbtypes.StreamViewTypeNewImage, ddbtypes.StreamViewTypeNewAndOldImages, "":
		return nil
	}
	return fmt.Errorf("table %s stream view type %s does not include new images", t.Name, t.StreamViewType)
}
