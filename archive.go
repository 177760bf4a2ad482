package satextract

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArrayDescriptor is the on-disk descriptor for one chunked N-D array
// (spec.md §6): shape/chunks are the logical/physical extents along each
// axis, dtype is "uint16" (the Preparer's data array), "float32" or
// "string" (the timestamps axis), compressor names the chunk codec.
// CreateArray always records "zstd", and chunk reads always zstd-decode
// whatever the field says.
type ArrayDescriptor struct {
	Shape      []int  `json:"shape"`
	Chunks     []int  `json:"chunks"`
	Dtype      string `json:"dtype"`
	Compressor string `json:"compressor"`
}

const descriptorName = ".array.json"

// Array is a chunked N-D array backed by a ChunkStore: one blob per
// chunk plus a JSON descriptor, the minimal zarr-like layout spec.md §6
// leaves open (no zarr-equivalent library exists anywhere in the
// example pack, so this format is custom; chunk bytes are compressed
// with klauspost/compress/zstd).
type Array struct {
	store ChunkStore
	Desc  ArrayDescriptor
}

// CreateArray writes a fresh descriptor and returns an Array over it.
// Any existing descriptor at the same prefix is overwritten; callers
// that want resize-in-place semantics should use OpenArray + Resize
// instead (spec.md §4.3's overwrite=false path).
func CreateArray(ctx context.Context, store ChunkStore, shape, chunks []int, dtype string) (*Array, error) {
	if len(shape) != len(chunks) {
		return nil, newInvalidArgument("shape and chunks must have the same rank, got %d and %d", len(shape), len(chunks))
	}
	desc := ArrayDescriptor{Shape: shape, Chunks: chunks, Dtype: dtype, Compressor: "zstd"}
	a := &Array{store: store, Desc: desc}
	if err := a.writeDescriptor(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenArray reads an existing descriptor. A descriptor the store cannot
// return (including a missing one) is reported as TransientIOError; a
// malformed one as DataCorruptionError.
func OpenArray(ctx context.Context, store ChunkStore) (*Array, error) {
	raw, err := store.Get(ctx, descriptorName)
	if err != nil {
		return nil, newTransientIO("read array descriptor", err)
	}
	var desc ArrayDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, newDataCorruption(err, "array descriptor")
	}
	return &Array{store: store, Desc: desc}, nil
}

func (a *Array) writeDescriptor(ctx context.Context) error {
	raw, err := json.Marshal(a.Desc)
	if err != nil {
		return fmt.Errorf("marshal array descriptor: %w", err)
	}
	if err := a.store.Put(ctx, descriptorName, raw); err != nil {
		return newTransientIO("write array descriptor", err)
	}
	return nil
}

// Resize grows the array's logical shape along axis 0 (the time axis)
// to at least newSize, per the Preparer's union-on-resize contract
// (spec.md §4.3). It never shrinks an axis and never touches existing
// chunk blobs: growth is purely a descriptor update, chunks beyond the
// old shape are simply absent until written.
func (a *Array) Resize(ctx context.Context, newSize int) error {
	if len(a.Desc.Shape) == 0 {
		return newInvalidArgument("cannot resize a rank-0 array")
	}
	if newSize < a.Desc.Shape[0] {
		return nil
	}
	a.Desc.Shape[0] = newSize
	return a.writeDescriptor(ctx)
}

// chunkCoordsFor returns which chunk a flat time-axis index belongs to,
// along with the axis-0 offset within that chunk.
func (a *Array) chunkCoordsFor(timeIdx int) (chunkIdx, offsetInChunk int) {
	chunkSize := a.Desc.Chunks[0]
	return timeIdx / chunkSize, timeIdx % chunkSize
}

func chunkKey(coords []int) string {
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return strings.Join(parts, ".")
}

// chunkElementCount is the number of elements addressed by a chunk
// shape (product of its dimensions).
func chunkElementCount(chunks []int) int {
	n := 1
	for _, c := range chunks {
		n *= c
	}
	return n
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

func compress(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, nil)
}

func decompress(compressed []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, newDataCorruption(err, "zstd chunk decode")
	}
	return out, nil
}

// ReadFloat32Chunk reads and decompresses one chunk of float32 data,
// returning it as a flat row-major slice sized chunkElementCount(chunks).
// A missing chunk is treated as all-zero (spec.md's implicit fill value
// for never-written regions), not an error.
func (a *Array) ReadFloat32Chunk(ctx context.Context, coords []int) ([]float32, error) {
	n := chunkElementCount(a.Desc.Chunks)
	key := chunkKey(coords)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return nil, newTransientIO("chunk exists", err)
	}
	if !exists {
		return make([]float32, n), nil
	}
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, newTransientIO("read chunk", err)
	}
	decoded, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	if len(decoded) != n*4 {
		return nil, newDataCorruption(fmt.Errorf("expected %d bytes, got %d", n*4, len(decoded)), "chunk %s", key)
	}
	out := make([]float32, n)
	for i := range out {
		bits := binary.LittleEndian.Uint32(decoded[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// WriteFloat32Chunk compresses and writes one chunk of float32 data.
// data must have exactly chunkElementCount(chunks) elements.
func (a *Array) WriteFloat32Chunk(ctx context.Context, coords []int, data []float32) error {
	n := chunkElementCount(a.Desc.Chunks)
	if len(data) != n {
		return newInvalidArgument("chunk data length %d does not match chunk shape (want %d)", len(data), n)
	}
	raw := make([]byte, n*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(v))
	}
	key := chunkKey(coords)
	if err := a.store.Put(ctx, key, compress(raw)); err != nil {
		return newTransientIO("write chunk", err)
	}
	return nil
}

// ReadUint16Chunk reads and decompresses one chunk of uint16 data (the
// archive's "data" array dtype per spec.md §4.3), returning a flat
// row-major slice sized chunkElementCount(chunks). A missing chunk is
// treated as all-zero.
func (a *Array) ReadUint16Chunk(ctx context.Context, coords []int) ([]uint16, error) {
	n := chunkElementCount(a.Desc.Chunks)
	key := chunkKey(coords)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return nil, newTransientIO("chunk exists", err)
	}
	if !exists {
		return make([]uint16, n), nil
	}
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, newTransientIO("read chunk", err)
	}
	decoded, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	if len(decoded) != n*2 {
		return nil, newDataCorruption(fmt.Errorf("expected %d bytes, got %d", n*2, len(decoded)), "chunk %s", key)
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(decoded[i*2 : i*2+2])
	}
	return out, nil
}

// WriteUint16Chunk compresses and writes one chunk of uint16 data. data
// must have exactly chunkElementCount(chunks) elements.
func (a *Array) WriteUint16Chunk(ctx context.Context, coords []int, data []uint16) error {
	n := chunkElementCount(a.Desc.Chunks)
	if len(data) != n {
		return newInvalidArgument("chunk data length %d does not match chunk shape (want %d)", len(data), n)
	}
	raw := make([]byte, n*2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:i*2+2], v)
	}
	key := chunkKey(coords)
	if err := a.store.Put(ctx, key, compress(raw)); err != nil {
		return newTransientIO("write chunk", err)
	}
	return nil
}

// ReadStringChunk reads and decompresses one chunk of the 1-D string
// (timestamps) axis. Elements are newline-joined; a missing chunk is
// treated as all-empty-string.
func (a *Array) ReadStringChunk(ctx context.Context, chunkIdx int) ([]string, error) {
	n := a.Desc.Chunks[0]
	key := chunkKey([]int{chunkIdx})
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return nil, newTransientIO("chunk exists", err)
	}
	if !exists {
		return make([]string, n), nil
	}
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, newTransientIO("read chunk", err)
	}
	decoded, err := decompress(raw)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(decoded), "\n")
	out := make([]string, n)
	copy(out, parts)
	return out, nil
}

// WriteStringChunk compresses and writes one chunk of the timestamps
// axis. data must have exactly Chunks[0] elements (pad with "" for a
// partial final chunk).
func (a *Array) WriteStringChunk(ctx context.Context, chunkIdx int, data []string) error {
	if len(data) != a.Desc.Chunks[0] {
		return newInvalidArgument("chunk data length %d does not match chunk size %d", len(data), a.Desc.Chunks[0])
	}
	raw := []byte(strings.Join(data, "\n"))
	key := chunkKey([]int{chunkIdx})
	if err := a.store.Put(ctx, key, compress(raw)); err != nil {
		return newTransientIO("write chunk", err)
	}
	return nil
}

// ReadAllTimestamps reads every timestamp slot up to the logical shape,
// trimming the chunk padding beyond it. Slots inside the shape that were
// never written come back as "".
func (a *Array) ReadAllTimestamps(ctx context.Context) ([]string, error) {
	if len(a.Desc.Shape) == 0 {
		return nil, nil
	}
	total := a.Desc.Shape[0]
	chunkSize := a.Desc.Chunks[0]
	numChunks := (total + chunkSize - 1) / chunkSize

	out := make([]string, 0, total)
	for c := 0; c < numChunks; c++ {
		chunk, err := a.ReadStringChunk(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if len(out) > total {
		out = out[:total]
	}
	return out, nil
}

// AppendTimestamp writes t into slot timeIdx of a timestamps array,
// after the caller has already grown its shape via Resize.
func (a *Array) AppendTimestamp(ctx context.Context, timeIdx int, t string) error {
	chunkIdx, offset := a.chunkCoordsFor(timeIdx)
	chunk, err := a.ReadStringChunk(ctx, chunkIdx)
	if err != nil {
		return err
	}
	chunk[offset] = t
	return a.WriteStringChunk(ctx, chunkIdx, chunk)
}

// archivePath builds the object-store-relative prefix for one logical
// archive array: {root}/{tile_id}/{constellation}/{name}.
func archivePath(root, tileID, constellation, name string) string {
	return strings.Join([]string{root, tileID, constellation, name}, "/")
}

// readTimestampsArray opens the timestamps array at path and returns its
// populated values, formatted per isoLayout. Used by the Scheduler's
// idempotent filter (scheduler.go) and by the Preparer's union check.
func readTimestampsArray(ctx context.Context, store ObjectStore, path string) ([]string, error) {
	mapper := store.GetMapper(path)
	arr, err := OpenArray(ctx, mapper)
	if err != nil {
		return nil, err
	}
	return arr.ReadAllTimestamps(ctx)
}

// inMemoryChunkStore is a ChunkStore backed by a plain map, used by
// tests where standing up an ObjectStore is unnecessary overhead.
type inMemoryChunkStore struct {
	data map[string][]byte
}

func newInMemoryChunkStore() *inMemoryChunkStore {
	return &inMemoryChunkStore{data: map[string][]byte{}}
}

func (s *inMemoryChunkStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.data[key]
	if !ok {
		return nil, newTransientIO("get", fmt.Errorf("key %q not found", key))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *inMemoryChunkStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[key] = cp
	return nil
}

func (s *inMemoryChunkStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.data[key]
	return ok, nil
}

// inMemoryObjectStore wraps a set of named inMemoryChunkStores behind
// the ObjectStore interface, for tests that exercise Schedule/Prepare
// without a real S3 endpoint.
type inMemoryObjectStore struct {
	mappers map[string]*inMemoryChunkStore
}

func newInMemoryObjectStore() *inMemoryObjectStore {
	return &inMemoryObjectStore{mappers: map[string]*inMemoryChunkStore{}}
}

func (s *inMemoryObjectStore) GetMapper(prefix string) ChunkStore {
	if m, ok := s.mappers[prefix]; ok {
		return m
	}
	m := newInMemoryChunkStore()
	s.mappers[prefix] = m
	return m
}

func (s *inMemoryObjectStore) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	return nil, newTransientIO("open", fmt.Errorf("in-memory object store does not support raw blob access for %q", url))
}

func (s *inMemoryObjectStore) OpenRangeReader(ctx context.Context, url string) (io.ReaderAt, int64, error) {
	return nil, 0, newTransientIO("open range reader", fmt.Errorf("in-memory object store does not support raw blob access for %q", url))
}

func (s *inMemoryObjectStore) Put(ctx context.Context, url string, body io.Reader) error {
	return newTransientIO("put", fmt.Errorf("in-memory object store does not support raw blob access for %q", url))
}

func (s *inMemoryObjectStore) Exists(ctx context.Context, url string) (bool, error) {
	return false, nil
}

func (s *inMemoryObjectStore) Copy(ctx context.Context, src, dst string) error {
	return newTransientIO("copy", fmt.Errorf("in-memory object store does not support raw blob access"))
}
