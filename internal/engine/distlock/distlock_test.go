package distlock

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryTryLockGrantsWhenFree(t *testing.T) {
	l := NewInMemory()
	release, ok, err := l.TryLock(context.Background(), "bulk_resume", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || release == nil {
		t.Fatal("expected lock to be granted on an unheld name")
	}
	release(context.Background())
}

func TestInMemoryTryLockContendsWhileHeld(t *testing.T) {
	l := NewInMemory()
	release, ok, err := l.TryLock(context.Background(), "engine_settings", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, err=%v ok=%v", err, ok)
	}
	defer release(context.Background())

	_, ok2, err := l.TryLock(context.Background(), "engine_settings", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Fatal("a second TryLock on a held name must fail")
	}
}

func TestInMemoryTryLockAvailableAfterRelease(t *testing.T) {
	l := NewInMemory()
	release, ok, err := l.TryLock(context.Background(), "name", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, err=%v ok=%v", err, ok)
	}
	release(context.Background())

	_, ok2, err := l.TryLock(context.Background(), "name", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok2 {
		t.Fatal("the name should be lockable again after release")
	}
}

func TestInMemoryTryLockExpiresAfterTTL(t *testing.T) {
	l := NewInMemory()
	_, ok, err := l.TryLock(context.Background(), "short", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, err=%v ok=%v", err, ok)
	}
	time.Sleep(25 * time.Millisecond)

	_, ok2, err := l.TryLock(context.Background(), "short", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok2 {
		t.Fatal("a lock past its TTL should be acquirable by another caller")
	}
}

func TestInMemoryLocksAreIndependentPerName(t *testing.T) {
	l := NewInMemory()
	_, ok1, _ := l.TryLock(context.Background(), "a", time.Minute)
	_, ok2, _ := l.TryLock(context.Background(), "b", time.Minute)
	if !ok1 || !ok2 {
		t.Fatal("locks on distinct names must not contend with each other")
	}
}
