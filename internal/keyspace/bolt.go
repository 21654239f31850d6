package keyspace

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/daginferd/internal/backend"
	"github.com/swarmguard/daginferd/internal/tensor"
)

const tensorFormatVersion = 1

var (
	bucketTensors = []byte("tensors")
	bucketVersions = []byte("tensor_versions")
	bucketModels  = []byte("models")
	bucketScripts = []byte("scripts")
)

// Bolt is a Keyspace backed by an embedded BoltDB file, with an
// in-memory hot cache layered on top, repurposed from a generic
// workflow/execution store into tensors/models/scripts, and versioning
// overwritten tensors into an archive bucket rather than discarding them.
type Bolt struct {
	db            *bbolt.DB
	mu            sync.RWMutex
	tensorCache   map[string]*tensor.Tensor
	chunkSize     int64
	zstdEncoder   *zstd.Encoder
	zstdDecoder   *zstd.Decoder

	// modelHandles/scriptHandles hold the live backend handles PutModelMeta/
	// PutScriptMeta receive. A handle is a live backend-side object (e.g. a
	// loaded model), not JSON data, so it cannot round-trip through the
	// bucket it's filed alongside (Handle is `json:"-"`); this cache is what
	// makes a handle created by one request visible to a GetModelMeta/
	// GetScriptMeta call on another connection within the same process.
	modelHandles  map[string]backend.ModelHandle
	scriptHandles map[string]backend.ScriptHandle

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates/opens a BoltDB file at path and ensures all buckets exist.
// chunkSize is the byte threshold at or above which a tensor payload is
// zstd-compressed before being written (spec.md §6 ModelChunkSize).
func Open(path string, chunkSize int64, meter metric.Meter) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTensors, bucketVersions, bucketModels, bucketScripts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("daginferd_keyspace_read_ms")
	writeLatency, _ := meter.Float64Histogram("daginferd_keyspace_write_ms")
	cacheHits, _ := meter.Int64Counter("daginferd_keyspace_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("daginferd_keyspace_cache_misses_total")

	return &Bolt{
		db:            db,
		tensorCache:   map[string]*tensor.Tensor{},
		chunkSize:     chunkSize,
		zstdEncoder:   enc,
		zstdDecoder:   dec,
		modelHandles:  map[string]backend.ModelHandle{},
		scriptHandles: map[string]backend.ScriptHandle{},
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// encodeTensor serializes a tensor to a versioned, optionally compressed
// record: version byte | dtype kind | dtype width | rank | shape[rank] |
// checksum | compressed flag | payload length | payload.
func (b *Bolt) encodeTensor(t *tensor.Tensor) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tensorFormatVersion)
	buf.WriteByte(byte(t.DType().Kind))
	buf.WriteByte(byte(t.DType().Width))
	shape := t.Shape()
	binary.Write(&buf, binary.LittleEndian, uint32(len(shape)))
	for _, d := range shape {
		binary.Write(&buf, binary.LittleEndian, d)
	}
	binary.Write(&buf, binary.LittleEndian, t.Checksum())

	payload := t.Bytes()
	compressed := byte(0)
	if int64(len(payload)) >= b.chunkSize && b.chunkSize > 0 {
		compressed = 1
		payload = b.zstdEncoder.EncodeAll(payload, nil)
	}
	buf.WriteByte(compressed)
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func (b *Bolt) decodeTensor(data []byte) (*tensor.Tensor, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decode tensor: truncated header: %w", err)
	}
	if version != tensorFormatVersion {
		return nil, fmt.Errorf("decode tensor: unsupported format version %d", version)
	}
	kindByte, _ := r.ReadByte()
	widthByte, _ := r.ReadByte()
	var rank uint32
	binary.Read(r, binary.LittleEndian, &rank)
	shape := make([]int64, rank)
	for i := range shape {
		binary.Read(r, binary.LittleEndian, &shape[i])
	}
	var checksum uint64
	binary.Read(r, binary.LittleEndian, &checksum)
	compressed, _ := r.ReadByte()
	var payloadLen uint32
	binary.Read(r, binary.LittleEndian, &payloadLen)
	payload := make([]byte, payloadLen)
	if _, err := r.Read(payload); err != nil && payloadLen > 0 {
		return nil, fmt.Errorf("decode tensor: truncated payload: %w", err)
	}
	if compressed == 1 {
		payload, err = b.zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decode tensor: zstd decompress: %w", err)
		}
	}
	dt := tensor.DType{Kind: tensor.Kind(kindByte), Width: int(widthByte)}
	t := tensor.New(dt, shape, payload)
	if t.Checksum() != checksum {
		return nil, fmt.Errorf("decode tensor: checksum mismatch, storage may be corrupt")
	}
	return t, nil
}

func (b *Bolt) GetTensor(ctx context.Context, name string) (*tensor.Tensor, bool, error) {
	start := time.Now()
	defer func() {
		b.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get_tensor")))
	}()

	b.mu.RLock()
	if t, ok := b.tensorCache[name]; ok {
		b.mu.RUnlock()
		b.cacheHits.Add(ctx, 1)
		return t, true, nil
	}
	b.mu.RUnlock()
	b.cacheMisses.Add(ctx, 1)

	var t *tensor.Tensor
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTensors).Get([]byte(name))
		if data == nil {
			return nil
		}
		var derr error
		t, derr = b.decodeTensor(data)
		return derr
	})
	if err != nil {
		return nil, false, fmt.Errorf("get tensor %q: %w", name, err)
	}
	if t == nil {
		return nil, false, nil
	}
	b.mu.Lock()
	b.tensorCache[name] = t
	b.mu.Unlock()
	return t, true, nil
}

func (b *Bolt) PutTensor(ctx context.Context, name string, t *tensor.Tensor) error {
	start := time.Now()
	defer func() {
		b.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put_tensor")))
	}()

	data := b.encodeTensor(t)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTensors)
		if existing := bucket.Get([]byte(name)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", name, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return fmt.Errorf("archive previous version: %w", err)
			}
		}
		return bucket.Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("put tensor %q: %w", name, err)
	}

	b.mu.Lock()
	b.tensorCache[name] = t
	b.mu.Unlock()
	return b.Replicate(ctx, "TENSOR.PUT", []string{name})
}

func (b *Bolt) GetModelMeta(ctx context.Context, key string) (backend.ModelMeta, bool, error) {
	var meta backend.ModelMeta
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketModels).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	if err != nil || !found {
		return meta, found, err
	}
	b.mu.RLock()
	meta.Handle = b.modelHandles[key]
	b.mu.RUnlock()
	return meta, found, nil
}

func (b *Bolt) PutModelMeta(ctx context.Context, meta backend.ModelMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal model meta: %w", err)
	}
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketModels).Put([]byte(meta.Key), data)
	}); err != nil {
		return err
	}
	b.mu.Lock()
	b.modelHandles[meta.Key] = meta.Handle
	b.mu.Unlock()
	return nil
}

func (b *Bolt) GetScriptMeta(ctx context.Context, key string) (backend.ScriptMeta, bool, error) {
	var meta backend.ScriptMeta
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketScripts).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	if err != nil || !found {
		return meta, found, err
	}
	b.mu.RLock()
	meta.Handle = b.scriptHandles[key]
	b.mu.RUnlock()
	return meta, found, nil
}

func (b *Bolt) PutScriptMeta(ctx context.Context, meta backend.ScriptMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal script meta: %w", err)
	}
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketScripts).Put([]byte(meta.Key), data)
	}); err != nil {
		return err
	}
	b.mu.Lock()
	b.scriptHandles[meta.Key] = meta.Handle
	b.mu.Unlock()
	return nil
}

// Replicate is a no-op hook point in this single-node build; a clustered
// deployment would propagate the write to replicas here.
func (b *Bolt) Replicate(ctx context.Context, cmd string, args []string) error {
	slog.Default().Debug("replicate", "cmd", cmd, "args", args)
	return nil
}

// InspectKeys lists every key currently stored in bucket ("tensors",
// "models" or "scripts"), for the `keyspace inspect` operator CLI command.
func (b *Bolt) InspectKeys(bucket string) ([]string, error) {
	var name []byte
	switch bucket {
	case "tensors":
		name = bucketTensors
	case "models":
		name = bucketModels
	case "scripts":
		name = bucketScripts
	default:
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(name).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
