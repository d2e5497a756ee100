package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo stores items by PK/SK and evaluates the two condition
// expressions this package issues.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(str(av), 10, 64)
	return n
}

func fakeKey(item map[string]types.AttributeValue) string {
	return str(item["PK"]) + "|" + str(item["SK"])
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := f.items[k]; ok && num(existing["expiresAt"]) >= num(in.ExpressionAttributeValues[":now"]) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey(in.Key)
	existing, ok := f.items[k]
	if in.ConditionExpression != nil && (!ok || str(existing["owner"]) != str(in.ExpressionAttributeValues[":owner"])) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := str(in.ExpressionAttributeValues[":pk"])
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if str(item["PK"]) == pk {
			out = append(out, item)
		}
	}
	// Newest first, as requested with ScanIndexForward=false.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && str(out[j]["SK"]) > str(out[j-1]["SK"]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func TestAcquireLeaseExcludesSecondOwner(t *testing.T) {
	ctx := context.Background()
	leases := newLeaseStore(newFakeDynamo(), "leases", 15*time.Minute)

	first, err := leases.AcquireLease(ctx, "1500001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Owner == "" {
		t.Fatal("lease owner should be set")
	}

	if _, err := leases.AcquireLease(ctx, "1500001"); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	if _, err := leases.AcquireLease(ctx, "1500002"); err != nil {
		t.Errorf("other jobs should not be blocked: %v", err)
	}

	if err := leases.ReleaseLease(ctx, first); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if _, err := leases.AcquireLease(ctx, "1500001"); err != nil {
		t.Errorf("expected lease to be free after release: %v", err)
	}
}

func TestAcquireLeaseTakesOverExpired(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	leases := newLeaseStore(db, "leases", time.Minute)

	base := time.Unix(1_700_000_000, 0)
	leases.now = func() time.Time { return base }
	stale, err := leases.AcquireLease(ctx, "1500001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leases.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, err := leases.AcquireLease(ctx, "1500001")
	if err != nil {
		t.Fatalf("expired lease should be taken over: %v", err)
	}
	if fresh.Owner == stale.Owner {
		t.Error("new lease should have a new owner")
	}

	// The stale owner's release must not drop the new lease.
	if err := leases.ReleaseLease(ctx, stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := leases.AcquireLease(ctx, "1500001"); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("expected new lease to survive stale release, got %v", err)
	}
}

func TestPutAndListRuns(t *testing.T) {
	ctx := context.Background()
	runs := &RunStore{client: newFakeDynamo(), tableName: "runs"}

	for i, outcome := range []string{"nothing-new", "uploaded", "failed"} {
		err := runs.PutRun(ctx, &RunRecord{
			JobID:     "1500001",
			RunID:     "run-" + strconv.Itoa(i),
			StartedAt: int64(1_700_000_000 + i*3600),
			Outcome:   outcome,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := runs.ListRuns(ctx, "1500001", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].Outcome != "failed" || got[1].Outcome != "uploaded" {
		t.Errorf("expected newest first, got %s then %s", got[0].Outcome, got[1].Outcome)
	}
}

func TestRunRecordItemKeys(t *testing.T) {
	rec := &RunRecord{JobID: "1500001", RunID: "abc", StartedAt: 1_700_000_000, Outcome: "uploaded"}
	item, err := itemWithKeys(runPK(rec.JobID), runSK(rec.StartedAt, rec.RunID), time.Unix(rec.StartedAt, 0).Add(RunTTL), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := str(item["PK"]); got != "JOB#1500001" {
		t.Errorf("unexpected PK: %s", got)
	}
	if got := str(item["SK"]); got != "RUN#001700000000#abc" {
		t.Errorf("unexpected SK: %s", got)
	}
	if got := num(item["expiresAt"]); got != 1_700_000_000+int64(RunTTL/time.Second) {
		t.Errorf("unexpected expiresAt: %d", got)
	}

	var back RunRecord
	if err := attributevalue.UnmarshalMap(item, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != *rec {
		t.Errorf("record changed: %+v", back)
	}
}
