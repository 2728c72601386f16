package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, "ts"), mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func testSession(id, principalID string) *Session {
	now := time.Now().Unix()
	return &Session{
		SessionID:    id,
		PrincipalID:  principalID,
		CompanyID:    "c1",
		MFAVerified:  true,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now + 3600,
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	sess := testSession("s1", "p1")
	sess.Fingerprint = "fp-1"
	sess.SecretHash[0] = 0xAB

	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PrincipalID != "p1" || got.CompanyID != "c1" || got.Fingerprint != "fp-1" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.SecretHash != sess.SecretHash {
		t.Fatal("secret hash mismatch")
	}
	if !got.MFAVerified {
		t.Fatal("MFAVerified flag lost")
	}
}

func TestStoreGetUnknownIsNotFound(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreLazyExpiry(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	sess := testSession("s1", "p1")
	sess.ExpiresAt = time.Now().Unix() - 10

	// Long Redis TTL, already-passed logical deadline: Get must treat
	// the row as gone and prune it.
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for logically expired row, got %v", err)
	}
}

func TestStoreRedisTTLExpiry(t *testing.T) {
	store, mr, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	if err := store.Save(ctx, testSession("s1", "p1"), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestStoreDeleteIsExactlyOnce(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	if err := store.Save(ctx, testSession("s1", "p1"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "p1", "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "p1", "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must be ErrNotFound, got %v", err)
	}
}

func TestDeleteAllForPrincipalSparesException(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := store.Save(ctx, testSession(id, "p1"), time.Hour); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := store.Save(ctx, testSession("x1", "p2"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	n, err := store.DeleteAllForPrincipal(ctx, "p1", "s2")
	if err != nil {
		t.Fatalf("DeleteAllForPrincipal failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}

	if _, err := store.Get(ctx, "s2"); err != nil {
		t.Fatalf("excepted session must survive: %v", err)
	}
	if _, err := store.Get(ctx, "x1"); err != nil {
		t.Fatalf("other principal's session must survive: %v", err)
	}
}

func TestListForPrincipalPrunesExpiredRows(t *testing.T) {
	store, mr, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	if err := store.Save(ctx, testSession("s1", "p1"), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, testSession("s2", "p1"), time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	sessions, err := store.ListForPrincipal(ctx, "p1")
	if err != nil {
		t.Fatalf("ListForPrincipal failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "s2" {
		t.Fatalf("expected only s2 to survive, got %+v", sessions)
	}
}

func TestUpdatePreservesTTL(t *testing.T) {
	store, mr, done := newTestStore(t)
	defer done()
	ctx := context.Background()

	sess := testSession("s1", "p1")
	if err := store.Save(ctx, sess, time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sess.Trusted = true
	if err := store.Update(ctx, sess); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Trusted {
		t.Fatal("Trusted flag not persisted")
	}

	// The original TTL still applies: the row dies at the minute mark.
	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected TTL preserved through Update, got %v", err)
	}
}
