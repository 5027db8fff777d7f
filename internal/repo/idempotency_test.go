package repo

import (
	"context"
	"testing"
	"time"

	"github.com/mvasilak/go-room-sync/internal/domain"
)

func TestIdempotency_CreateGetAndExpiry(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	ctx := context.Background()

	rec, err := CreateIdempotency(ctx, db, 1, 2, "k1", 42, 201, time.Minute)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ResultSeq != 42 || rec.Status != 201 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, 1, 2, "k1", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("got %q; want %q", got.ID, rec.ID)
	}

	// Expired records are invisible.
	if _, err := GetIdempotency(ctx, db, 1, 2, "k1", time.Now().UTC().Add(2*time.Minute)); err != ErrNotFound {
		t.Fatalf("expired lookup err = %v; want ErrNotFound", err)
	}

	// Zero room id is never matched.
	if _, err := GetIdempotency(ctx, db, 1, 0, "k1", time.Now().UTC()); err != ErrNotFound {
		t.Fatalf("zero-room lookup err = %v; want ErrNotFound", err)
	}
}

func TestIdempotency_Duplicate(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, 1, 2, "k", 1, 200, time.Minute); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, 1, 2, "k", 2, 200, time.Minute); err != ErrDuplicate {
		t.Fatalf("second create err = %v; want ErrDuplicate", err)
	}
	// Different key is fine.
	if _, err := CreateIdempotency(ctx, db, 1, 2, "k2", 3, 200, time.Minute); err != nil {
		t.Fatalf("different key: %v", err)
	}
}
