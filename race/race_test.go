package race

import (
	"context"
	"testing"
	"time"
)

func TestRunFirstSuccessWins(t *testing.T) {
	attempts := []Attempt[int]{
		func(ctx context.Context) (int, bool) {
			select {
			case <-time.After(50 * time.Millisecond):
				return 1, true
			case <-ctx.Done():
				return 0, false
			}
		},
		func(ctx context.Context) (int, bool) {
			select {
			case <-time.After(5 * time.Millisecond):
				return 2, true
			case <-ctx.Done():
				return 0, false
			}
		},
	}

	v, ok := Run(context.Background(), time.Second, attempts)
	if !ok {
		t.Fatal("expected success")
	}
	if v != 2 {
		t.Fatalf("expected the faster attempt (2) to win, got %d", v)
	}
}

func TestRunAllFailYieldsTimeout(t *testing.T) {
	attempts := []Attempt[int]{
		func(ctx context.Context) (int, bool) {
			<-ctx.Done()
			return 0, false
		},
		func(ctx context.Context) (int, bool) {
			<-ctx.Done()
			return 0, false
		},
	}

	start := time.Now()
	_, ok := Run(context.Background(), 30*time.Millisecond, attempts)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("expected failure")
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("took too long to fail: %v", elapsed)
	}
}

func TestRunEmptyAttempts(t *testing.T) {
	_, ok := Run[int](context.Background(), time.Second, nil)
	if ok {
		t.Fatal("expected failure for empty attempt list")
	}
}

func TestRunLosersCleanUp(t *testing.T) {
	cleaned := make(chan struct{}, 1)
	attempts := []Attempt[int]{
		func(ctx context.Context) (int, bool) {
			return 1, true
		},
		func(ctx context.Context) (int, bool) {
			<-ctx.Done()
			cleaned <- struct{}{}
			return 0, false
		},
	}

	_, ok := Run(context.Background(), time.Second, attempts)
	if !ok {
		t.Fatal("expected success")
	}

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("loser attempt never observed cancellation")
	}
}
