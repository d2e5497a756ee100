// Package store keeps per-job run state in DynamoDB: a TTL'd lease that
// keeps two invocations from running the same origin job at once, and a
// history record for every run.
//
// Both tables use a PK/SK design with an expiresAt TTL attribute:
//
//	LEASE#{job}  LEASE                        owner, expiresAt
//	JOB#{job}    RUN#{startedAt}#{runId}      outcome, counts, error, expiresAt
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// RunTTL is how long run history records are kept.
const RunTTL = 30 * 24 * time.Hour

// ErrLeaseHeld is returned when another invocation holds an unexpired lease
// on the job.
var ErrLeaseHeld = errors.New("job lease held by another run")

// dynamoAPI is the subset of the DynamoDB client used by this package.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Compile-time interface check.
var _ dynamoAPI = (*dynamodb.Client)(nil)

// --- Internal helpers ---

func keyAttrs(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// itemWithKeys marshals a domain object and adds PK, SK and the expiresAt
// TTL attribute, overwriting any conflicting keys from the data.
func itemWithKeys(pk, sk string, expiresAt time.Time, data interface{}) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	for k, v := range keyAttrs(pk, sk) {
		item[k] = v
	}
	item["expiresAt"] = epoch(expiresAt)
	return item, nil
}

func epoch(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
