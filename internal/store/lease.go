package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	leasePKPrefix = "LEASE#"
	skLease       = "LEASE"
)

// Lease is a held per-job lease.
type Lease struct {
	JobID     string    `dynamodbav:"jobId"`
	Owner     string    `dynamodbav:"owner"`
	ExpiresAt time.Time `dynamodbav:"-"`
}

// LeaseStore acquires and releases per-job leases.
type LeaseStore struct {
	client    dynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewLeaseStore creates a LeaseStore on the given table. Leases expire
// after ttl, so a crashed run never blocks a job for longer than that.
func NewLeaseStore(client *dynamodb.Client, tableName string, ttl time.Duration) *LeaseStore {
	return newLeaseStore(client, tableName, ttl)
}

func newLeaseStore(client dynamoAPI, tableName string, ttl time.Duration) *LeaseStore {
	return &LeaseStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		now:       time.Now,
	}
}

func leasePK(jobID string) string {
	return leasePKPrefix + jobID
}

// AcquireLease takes the lease on jobID when it is free or expired.
// Returns ErrLeaseHeld when another owner holds a live lease.
func (s *LeaseStore) AcquireLease(ctx context.Context, jobID string) (*Lease, error) {
	now := s.now()
	lease := &Lease{
		JobID:     jobID,
		Owner:     uuid.New().String(),
		ExpiresAt: now.Add(s.ttl),
	}

	item, err := itemWithKeys(leasePK(jobID), skLease, lease.ExpiresAt, lease)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", jobID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": epoch(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrLeaseHeld)
		}
		return nil, fmt.Errorf("PutItem PK=%s SK=%s: %w", leasePK(jobID), skLease, err)
	}

	log.Debug().Str("jobId", jobID).Str("owner", lease.Owner).Time("expiresAt", lease.ExpiresAt).Msg("Lease acquired")
	return lease, nil
}

// ReleaseLease deletes the lease if it is still owned by lease.Owner. A
// lease that expired and was taken over is left alone.
func (s *LeaseStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttrs(leasePK(lease.JobID), skLease),
		ConditionExpression: aws.String("#o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: lease.Owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			log.Warn().Str("jobId", lease.JobID).Str("owner", lease.Owner).Msg("Lease was taken over before release")
			return nil
		}
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", leasePK(lease.JobID), skLease, err)
	}

	log.Debug().Str("jobId", lease.JobID).Str("owner", lease.Owner).Msg("Lease released")
	return nil
}
