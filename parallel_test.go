package satextract

import (
	"context"
	"errors"
	"testing"
)

func TestParallelMapPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	results, err := ParallelMap(context.Background(), items, 3, func(_ context.Context, i int) (int, error) {
		return i * i, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range items {
		if results[i] != v*v {
			t.Errorf("index %d: got %d, want %d", i, results[i], v*v)
		}
	}
}

func TestParallelMapPropagatesError(t *testing.T) {
	items := []int{1, 2, 3}
	wantErr := errors.New("boom")
	_, err := ParallelMap(context.Background(), items, 2, func(_ context.Context, i int) (int, error) {
		if i == 2 {
			return 0, wantErr
		}
		return i, nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got error %v, want %v", err, wantErr)
	}
}

func TestParallelMapEmpty(t *testing.T) {
	results, err := ParallelMap(context.Background(), []int{}, 4, func(_ context.Context, i int) (int, error) {
		return i, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %v", results)
	}
}
