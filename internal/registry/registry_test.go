package registry

import (
	"context"
	"reflect"
	"testing"

	"github.com/fpang/transcription-qa-bridge/internal/objstore"
)

func TestRegisterThenList(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	reg := New(store, "pipeline", "source_jobs/dev")

	newly, err := reg.Register(ctx, "1500001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !newly {
		t.Error("first registration should be new")
	}

	newly, err = reg.Register(ctx, "1500001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newly {
		t.Error("repeat registration should not be new")
	}

	jobs, err := reg.ListAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(jobs, []string{"1500001"}) {
		t.Errorf("expected the job exactly once, got %v", jobs)
	}

	body, err := store.Get(ctx, "pipeline", "source_jobs/dev/1500001")
	if err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("marker should be empty, got %d bytes", len(body))
	}
}

func TestRegisterDoesNotConfusePrefixes(t *testing.T) {
	ctx := context.Background()
	reg := New(objstore.NewMemory(), "pipeline", "jobs")

	reg.Register(ctx, "12345")
	newly, err := reg.Register(ctx, "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !newly {
		t.Error("123 is a prefix of 12345 but a different job")
	}
}

func TestRegisterRejectsInvalidIDs(t *testing.T) {
	reg := New(objstore.NewMemory(), "pipeline", "jobs")
	for _, id := range []string{"", "  ", "a/b"} {
		if _, err := reg.Register(context.Background(), id); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}

func TestListAllStripsExtensionsAndFolders(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	store.Put(ctx, "pipeline", "jobs/", nil)
	store.Put(ctx, "pipeline", "jobs/111", nil)
	store.Put(ctx, "pipeline", "jobs/222.txt", nil)
	store.Put(ctx, "pipeline", "jobs/222", nil)
	store.Put(ctx, "pipeline", "other/333", nil)

	jobs, err := New(store, "pipeline", "/jobs/").ListAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(jobs, []string{"111", "222"}) {
		t.Errorf("unexpected jobs: %v", jobs)
	}
}
