package satextract

import (
	"context"
	"testing"
)

func TestArrayFloat32ChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryChunkStore()
	arr, err := CreateArray(ctx, store, []int{4, 2, 2}, []int{4, 2, 2}, "float32")
	if err != nil {
		t.Fatalf("CreateArray: %v", err)
	}

	data := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := arr.WriteFloat32Chunk(ctx, []int{0, 0, 0}, data); err != nil {
		t.Fatalf("WriteFloat32Chunk: %v", err)
	}

	reopened, err := OpenArray(ctx, store)
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	got, err := reopened.ReadFloat32Chunk(ctx, []int{0, 0, 0})
	if err != nil {
		t.Fatalf("ReadFloat32Chunk: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("index %d: got %f, want %f", i, got[i], data[i])
		}
	}
}

func TestArrayMissingChunkReadsAsZero(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryChunkStore()
	arr, err := CreateArray(ctx, store, []int{4, 2, 2}, []int{4, 2, 2}, "float32")
	if err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	got, err := arr.ReadFloat32Chunk(ctx, []int{0, 0, 0})
	if err != nil {
		t.Fatalf("ReadFloat32Chunk: %v", err)
	}
	for i, v := range got {
		if v != 0 {
			t.Fatalf("index %d: expected zero fill, got %f", i, v)
		}
	}
}

func TestArrayTimestampsResizeAndAppend(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryChunkStore()
	arr, err := CreateArray(ctx, store, []int{0}, []int{8}, "string")
	if err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	if err := arr.Resize(ctx, 3); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := arr.AppendTimestamp(ctx, 0, "2021-01-01T00:00:00Z"); err != nil {
		t.Fatalf("AppendTimestamp: %v", err)
	}
	if err := arr.AppendTimestamp(ctx, 1, "2021-01-02T00:00:00Z"); err != nil {
		t.Fatalf("AppendTimestamp: %v", err)
	}

	all, err := arr.ReadAllTimestamps(ctx)
	if err != nil {
		t.Fatalf("ReadAllTimestamps: %v", err)
	}
	want := []string{"2021-01-01T00:00:00Z", "2021-01-02T00:00:00Z", ""}
	if len(all) != len(want) {
		t.Fatalf("got %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, all[i], want[i])
		}
	}
}

func TestOpenArrayMissingDescriptorFails(t *testing.T) {
	ctx := context.Background()
	store := newInMemoryChunkStore()
	if _, err := OpenArray(ctx, store); err == nil {
		t.Fatal("expected error opening array with no descriptor")
	}
}
