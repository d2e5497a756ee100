package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

const (
	runPKPrefix = "JOB#"
	skRun       = "RUN#"
)

// RunRecord is the history entry written after every pipeline run.
type RunRecord struct {
	JobID        string `dynamodbav:"jobId"`
	RunID        string `dynamodbav:"runId"`
	Trigger      string `dynamodbav:"trigger"`
	StartedAt    int64  `dynamodbav:"startedAt"`
	DurationMs   int64  `dynamodbav:"durationMs"`
	Outcome      string `dynamodbav:"outcome"`
	QAJobID      string `dynamodbav:"qaJobId,omitempty"`
	NewRows      int    `dynamodbav:"newRows"`
	Utterances   int    `dynamodbav:"utterances"`
	Sampled      int    `dynamodbav:"sampled"`
	UploadStatus int    `dynamodbav:"uploadStatus,omitempty"`
	Error        string `dynamodbav:"error,omitempty"`
}

// RunStore writes and reads run history.
type RunStore struct {
	client    dynamoAPI
	tableName string
}

// NewRunStore creates a RunStore on the given table.
func NewRunStore(client *dynamodb.Client, tableName string) *RunStore {
	return &RunStore{client: client, tableName: tableName}
}

func runPK(jobID string) string {
	return runPKPrefix + jobID
}

// runSK sorts runs chronologically within a job. startedAt is zero-padded
// so lexical order matches numeric order.
func runSK(startedAt int64, runID string) string {
	return fmt.Sprintf("%s%012d#%s", skRun, startedAt, runID)
}

// PutRun writes a run record with a RunTTL expiry.
func (s *RunStore) PutRun(ctx context.Context, rec *RunRecord) error {
	pk, sk := runPK(rec.JobID), runSK(rec.StartedAt, rec.RunID)
	item, err := itemWithKeys(pk, sk, time.Unix(rec.StartedAt, 0).Add(RunTTL), rec)
	if err != nil {
		return fmt.Errorf("run %s/%s: %w", rec.JobID, rec.RunID, err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}

	log.Debug().Str("jobId", rec.JobID).Str("runId", rec.RunID).Str("outcome", rec.Outcome).Msg("Run recorded")
	return nil
}

// ListRuns returns up to limit runs of jobID, newest first.
func (s *RunStore) ListRuns(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	pk := runPK(jobID)
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
			":sk": &types.AttributeValueMemberS{Value: skRun},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var runs []RunRecord
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		var page []RunRecord
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal runs PK=%s: %w", pk, err)
		}
		runs = append(runs, page...)

		if (limit > 0 && len(runs) >= limit) || result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
