package vcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hupe1980/vcache/blobstore"
	"github.com/hupe1980/vcache/codec"
	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/eviction"
	"github.com/hupe1980/vcache/filter"
	"github.com/hupe1980/vcache/model"
	"github.com/hupe1980/vcache/persistence"
)

var (
	snapshotMagic       = [4]byte{'V', 'C', 'S', '1'}
	snapshotDirMagic    = [4]byte{'V', 'C', 'D', '1'}
	snapshotFooterMagic = [4]byte{'V', 'C', 'F', '1'}
)

const (
	snapshotFormatVersion = uint16(1)

	snapshotSectionInfo         = uint16(1)
	snapshotSectionShardRecords = uint16(2)
	snapshotSectionShardFilter  = uint16(3)

	snapshotFooterSize = 24
)

// snapshotInfo is the header section: enough configuration and state to
// reconstruct an equivalent cache on load.
type snapshotInfo struct {
	CacheID          string
	Dimension        int
	ShardCount       int
	PartitionVersion uint64
	Metric           string
	Eviction         string
	TTLNanos         int64
	FilterFPR        float64
	DefaultNProbe    int
	ShardCapacity    int
	NextID           uint64
	Counters         snapshotCounters
}

type snapshotCounters struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Inserts       int64
	Removes       int64
	Rebuilds      int64
	ShardFailures int64
}

// shardSection carries one shard's centroid and records.
type shardSection struct {
	ShardID  int
	Centroid []float32
	Records  []*model.Record
}

type snapshotSectionEntry struct {
	Type     uint16
	ShardID  uint16
	Checksum uint32
	Offset   uint64
	Len      uint64
}

// SaveToWriter writes the cache's full state to w.
//
// Format:
//  1. snapshot header (magic/version/compression/codec name)
//  2. info section (configuration, partition version, counters)
//  3. per shard: records section (codec-marshaled, compressed) and
//     filter section (raw bit array)
//  4. directory (type/shard/offset/length/CRC32 per section)
//  5. footer (directory offset/length)
//
// The save runs with rebuilds excluded, so the partition map cannot swap
// mid-write; each shard section is internally consistent.
func (c *Cache) SaveToWriter(w io.Writer) error {
	if w == nil {
		return fmt.Errorf("snapshot: writer is nil")
	}
	if c.closed.Load() {
		return ErrCacheClosed
	}

	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	topo := c.topo.Load()

	codecName := c.opts.codec.Name()
	sectionCount := 1 + 2*len(topo.shards)

	// Header (16 bytes + codec name)
	// [0:4]   magic
	// [4:6]   format version
	// [6:7]   compression
	// [7:8]   reserved
	// [8:10]  codec name len
	// [10:12] section count
	// [12:16] reserved
	var hdr [16]byte
	copy(hdr[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotFormatVersion)
	hdr[6] = byte(c.opts.compression)
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(len(codecName)))
	binary.LittleEndian.PutUint16(hdr[10:12], uint16(sectionCount))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, codecName); err != nil {
		return err
	}

	cw := &countingWriter{w: w, n: int64(len(hdr)) + int64(len(codecName))}

	entries := make([]snapshotSectionEntry, 0, sectionCount)

	writeSection := func(secType uint16, shardID int, data []byte) error {
		off := uint64(cw.n)
		if _, err := cw.Write(data); err != nil {
			return err
		}
		entries = append(entries, snapshotSectionEntry{
			Type:     secType,
			ShardID:  uint16(shardID),
			Checksum: persistence.ComputeChecksum(data),
			Offset:   off,
			Len:      uint64(len(data)),
		})
		return nil
	}

	info := snapshotInfo{
		CacheID:          c.id,
		Dimension:        c.dim,
		ShardCount:       c.shardCount,
		PartitionVersion: topo.version,
		Metric:           c.opts.metric.String(),
		Eviction:         c.opts.evictionKind.String(),
		TTLNanos:         int64(c.opts.ttl),
		FilterFPR:        c.opts.filterFPR,
		DefaultNProbe:    c.opts.defaultNProbe,
		ShardCapacity:    c.opts.shardCapacity,
		NextID:           c.nextID.Load(),
		Counters: snapshotCounters{
			Hits:          c.counters.hits.Load(),
			Misses:        c.counters.misses.Load(),
			Evictions:     c.counters.evictions.Load(),
			Inserts:       c.counters.inserts.Load(),
			Removes:       c.counters.removes.Load(),
			Rebuilds:      c.counters.rebuilds.Load(),
			ShardFailures: c.counters.shardFailures.Load(),
		},
	}
	infoBytes, err := c.opts.codec.Marshal(info)
	if err != nil {
		return fmt.Errorf("snapshot: encode info: %w", err)
	}
	if err := writeSection(snapshotSectionInfo, 0, infoBytes); err != nil {
		return err
	}

	for i, s := range topo.shards {
		sec := shardSection{
			ShardID:  i,
			Centroid: topo.pm.Centroids[i],
			Records:  s.Snapshot(),
		}
		raw, err := c.opts.codec.Marshal(sec)
		if err != nil {
			return fmt.Errorf("snapshot: encode shard %d: %w", i, err)
		}
		compressed, err := persistence.Compress(c.opts.compression, raw)
		if err != nil {
			return fmt.Errorf("snapshot: compress shard %d: %w", i, err)
		}
		if err := writeSection(snapshotSectionShardRecords, i, compressed); err != nil {
			return err
		}

		var filterBuf bytes.Buffer
		if _, err := s.AppendFilter(&filterBuf); err != nil {
			return fmt.Errorf("snapshot: encode filter %d: %w", i, err)
		}
		if err := writeSection(snapshotSectionShardFilter, i, filterBuf.Bytes()); err != nil {
			return err
		}
	}

	dirOff := uint64(cw.n)
	if err := writeSnapshotDirectory(cw, entries); err != nil {
		return err
	}
	dirLen := uint64(cw.n) - dirOff

	return writeSnapshotFooter(cw, dirOff, dirLen)
}

// SaveToFile atomically writes a snapshot to filename.
func (c *Cache) SaveToFile(filename string) error {
	err := persistence.SaveToFile(filename, c.SaveToWriter)
	c.logger.LogSnapshot(context.Background(), filename, err)
	return err
}

// SaveToStore writes a snapshot blob to the given store under name.
func (c *Cache) SaveToStore(ctx context.Context, store blobstore.BlobStore, name string) error {
	var buf bytes.Buffer
	if err := c.SaveToWriter(&buf); err != nil {
		c.logger.LogSnapshot(ctx, name, err)
		return err
	}
	err := store.Put(ctx, name, buf.Bytes())
	c.logger.LogSnapshot(ctx, name, err)
	return err
}

// NewFromReader reconstructs a cache from a snapshot.
//
// The container needs random access (io.ReadSeeker) to locate the trailing
// directory before parsing sections by offset. Configuration recorded in the
// snapshot wins over defaults; optFns apply on top (loggers, collectors,
// worker sizing). Any corruption or format mismatch fails the whole load
// with a LoadError; a cache is never partially initialized.
func NewFromReader(r io.ReadSeeker, optFns ...Option) (*Cache, error) {
	if r == nil {
		return nil, &LoadError{Reason: "reader is nil"}
	}

	info, sections, compression, snapCodec, err := readSnapshotContainer(r)
	if err != nil {
		return nil, err
	}

	metric, err := distance.ParseMetric(info.Metric)
	if err != nil {
		return nil, &LoadError{Reason: "bad distance metric", cause: err}
	}
	evictionKind, err := eviction.ParseKind(info.Eviction)
	if err != nil {
		return nil, &LoadError{Reason: "bad eviction policy", cause: err}
	}

	opts := []Option{
		WithDistanceMetric(metric),
		WithEvictionPolicy(evictionKind),
		WithTTL(time.Duration(info.TTLNanos)),
		WithFilterFalsePositiveRate(info.FilterFPR),
		WithDefaultNProbe(info.DefaultNProbe),
		WithShardCapacity(info.ShardCapacity),
		WithCodec(snapCodec),
		WithCompression(compression),
	}
	opts = append(opts, optFns...)

	c, err := New(info.Dimension, info.ShardCount, opts...)
	if err != nil {
		return nil, &LoadError{Reason: "reconstruct cache", cause: err}
	}
	c.id = info.CacheID
	c.logger = c.logger.WithCacheID(c.id)

	centroids := make([][]float32, info.ShardCount)
	shardRecords := make([][]*model.Record, info.ShardCount)
	filters := make([]*filter.Bloom, info.ShardCount)

	for _, entry := range sections {
		data, err := readSection(r, entry)
		if err != nil {
			return nil, err
		}

		switch entry.Type {
		case snapshotSectionInfo:
			// Already parsed.
		case snapshotSectionShardRecords:
			raw, err := persistence.Decompress(compression, data)
			if err != nil {
				return nil, &LoadError{Reason: fmt.Sprintf("decompress shard %d", entry.ShardID), cause: err}
			}
			var sec shardSection
			if err := snapCodec.Unmarshal(raw, &sec); err != nil {
				return nil, &LoadError{Reason: fmt.Sprintf("decode shard %d", entry.ShardID), cause: err}
			}
			if sec.ShardID < 0 || sec.ShardID >= info.ShardCount {
				return nil, &LoadError{Reason: fmt.Sprintf("shard id %d out of range", sec.ShardID)}
			}
			centroids[sec.ShardID] = sec.Centroid
			shardRecords[sec.ShardID] = sec.Records
		case snapshotSectionShardFilter:
			if int(entry.ShardID) >= info.ShardCount {
				return nil, &LoadError{Reason: fmt.Sprintf("filter shard id %d out of range", entry.ShardID)}
			}
			f, err := filter.ReadFilter(bytes.NewReader(data))
			if err != nil {
				return nil, &LoadError{Reason: fmt.Sprintf("decode filter %d", entry.ShardID), cause: err}
			}
			filters[int(entry.ShardID)] = f
		default:
			return nil, &LoadError{Reason: fmt.Sprintf("unknown section type %d", entry.Type)}
		}
	}

	shards, err := c.newShards(centroids)
	if err != nil {
		return nil, &LoadError{Reason: "rebuild shards", cause: err}
	}

	for i, records := range shardRecords {
		for _, rec := range records {
			if len(rec.Embedding) != info.Dimension {
				return nil, &LoadError{Reason: fmt.Sprintf("record %d has dimension %d, want %d", rec.ID, len(rec.Embedding), info.Dimension)}
			}
			if err := shards[i].Place(rec); err != nil {
				return nil, &LoadError{Reason: fmt.Sprintf("restore shard %d", i), cause: err}
			}
			c.live.Add(rec.ID)
		}
		if filters[i] != nil {
			shards[i].SetFilter(filters[i])
		}
	}

	c.topo.Store(&topology{
		version: info.PartitionVersion,
		pm:      &model.PartitionMap{Version: info.PartitionVersion, Centroids: centroids},
		shards:  shards,
	})

	c.nextID.Store(info.NextID)
	c.counters.hits.Store(info.Counters.Hits)
	c.counters.misses.Store(info.Counters.Misses)
	c.counters.evictions.Store(info.Counters.Evictions)
	c.counters.inserts.Store(info.Counters.Inserts)
	c.counters.removes.Store(info.Counters.Removes)
	c.counters.rebuilds.Store(info.Counters.Rebuilds)
	c.counters.shardFailures.Store(info.Counters.ShardFailures)

	return c, nil
}

// NewFromFile reconstructs a cache from a snapshot file.
func NewFromFile(filename string, optFns ...Option) (*Cache, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, &LoadError{Reason: "open snapshot", cause: err}
	}
	defer f.Close()

	return NewFromReader(f, optFns...)
}

// NewFromStore reconstructs a cache from a snapshot blob.
func NewFromStore(ctx context.Context, store blobstore.BlobStore, name string, optFns ...Option) (*Cache, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, &LoadError{Reason: "open snapshot blob", cause: err}
	}
	defer blob.Close()

	return NewFromReader(blobstore.Reader(blob), optFns...)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func writeSnapshotDirectory(w io.Writer, entries []snapshotSectionEntry) error {
	// Directory header (12 bytes)
	// [0:4]  magic
	// [4:6]  format version
	// [6:8]  reserved
	// [8:12] entry count
	var hdr [12]byte
	copy(hdr[0:4], snapshotDirMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotFormatVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	// Each entry is 32 bytes:
	// [0:2]   type
	// [2:4]   shard id
	// [4:8]   checksum (CRC32)
	// [8:16]  offset
	// [16:24] length
	// [24:32] reserved
	for _, e := range entries {
		var b [32]byte
		binary.LittleEndian.PutUint16(b[0:2], e.Type)
		binary.LittleEndian.PutUint16(b[2:4], e.ShardID)
		binary.LittleEndian.PutUint32(b[4:8], e.Checksum)
		binary.LittleEndian.PutUint64(b[8:16], e.Offset)
		binary.LittleEndian.PutUint64(b[16:24], e.Len)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeSnapshotFooter(w io.Writer, dirOff, dirLen uint64) error {
	// Footer (24 bytes)
	// [0:4]   magic
	// [4:6]   format version
	// [6:8]   reserved
	// [8:16]  directory offset
	// [16:24] directory length
	var b [snapshotFooterSize]byte
	copy(b[0:4], snapshotFooterMagic[:])
	binary.LittleEndian.PutUint16(b[4:6], snapshotFormatVersion)
	binary.LittleEndian.PutUint64(b[8:16], dirOff)
	binary.LittleEndian.PutUint64(b[16:24], dirLen)
	_, err := w.Write(b[:])
	return err
}

// readSnapshotContainer parses header, footer, directory, and the info
// section, returning everything a load needs to walk the remaining sections.
func readSnapshotContainer(r io.ReadSeeker) (*snapshotInfo, []snapshotSectionEntry, persistence.Compression, codec.Codec, error) {
	fail := func(reason string, cause error) (*snapshotInfo, []snapshotSectionEntry, persistence.Compression, codec.Codec, error) {
		return nil, nil, 0, nil, &LoadError{Reason: reason, cause: cause}
	}

	// Header.
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fail("seek header", err)
	}
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fail("read header", err)
	}
	if !bytes.Equal(hdr[0:4], snapshotMagic[:]) {
		return fail("bad magic", nil)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != snapshotFormatVersion {
		return fail(fmt.Sprintf("unsupported format version %d", v), nil)
	}
	compression := persistence.Compression(hdr[6])
	switch compression {
	case persistence.CompressionNone, persistence.CompressionZstd, persistence.CompressionLZ4:
	default:
		return fail(fmt.Sprintf("unknown compression %d", hdr[6]), nil)
	}

	codecName := make([]byte, binary.LittleEndian.Uint16(hdr[8:10]))
	if _, err := io.ReadFull(r, codecName); err != nil {
		return fail("read codec name", err)
	}
	snapCodec, ok := codec.ByName(string(codecName))
	if !ok {
		return fail(fmt.Sprintf("unsupported codec %q", codecName), nil)
	}
	sectionCount := int(binary.LittleEndian.Uint16(hdr[10:12]))

	// Footer.
	if _, err := r.Seek(-snapshotFooterSize, io.SeekEnd); err != nil {
		return fail("seek footer", err)
	}
	var ftr [snapshotFooterSize]byte
	if _, err := io.ReadFull(r, ftr[:]); err != nil {
		return fail("read footer", err)
	}
	if !bytes.Equal(ftr[0:4], snapshotFooterMagic[:]) {
		return fail("bad footer magic", nil)
	}
	dirOff := binary.LittleEndian.Uint64(ftr[8:16])

	// Directory.
	if _, err := r.Seek(int64(dirOff), io.SeekStart); err != nil {
		return fail("seek directory", err)
	}
	var dirHdr [12]byte
	if _, err := io.ReadFull(r, dirHdr[:]); err != nil {
		return fail("read directory", err)
	}
	if !bytes.Equal(dirHdr[0:4], snapshotDirMagic[:]) {
		return fail("bad directory magic", nil)
	}
	entryCount := int(binary.LittleEndian.Uint32(dirHdr[8:12]))
	if entryCount != sectionCount {
		return fail(fmt.Sprintf("directory has %d entries, header says %d", entryCount, sectionCount), nil)
	}

	entries := make([]snapshotSectionEntry, entryCount)
	var infoEntry *snapshotSectionEntry
	for i := range entries {
		var b [32]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return fail("read directory entry", err)
		}
		entries[i] = snapshotSectionEntry{
			Type:     binary.LittleEndian.Uint16(b[0:2]),
			ShardID:  binary.LittleEndian.Uint16(b[2:4]),
			Checksum: binary.LittleEndian.Uint32(b[4:8]),
			Offset:   binary.LittleEndian.Uint64(b[8:16]),
			Len:      binary.LittleEndian.Uint64(b[16:24]),
		}
		if entries[i].Type == snapshotSectionInfo {
			infoEntry = &entries[i]
		}
	}
	if infoEntry == nil {
		return fail("missing info section", nil)
	}

	infoBytes, err := readSection(r, *infoEntry)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	var info snapshotInfo
	if err := snapCodec.Unmarshal(infoBytes, &info); err != nil {
		return fail("decode info section", err)
	}
	if info.Dimension <= 0 || info.ShardCount <= 0 {
		return fail("info section has invalid geometry", nil)
	}

	return &info, entries, compression, snapCodec, nil
}

// readSection reads one section and verifies its checksum.
func readSection(r io.ReadSeeker, entry snapshotSectionEntry) ([]byte, error) {
	if _, err := r.Seek(int64(entry.Offset), io.SeekStart); err != nil {
		return nil, &LoadError{Reason: "seek section", cause: err}
	}
	data := make([]byte, entry.Len)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, &LoadError{Reason: "read section", cause: err}
	}
	if sum := persistence.ComputeChecksum(data); sum != entry.Checksum {
		return nil, &LoadError{
			Reason: "section corrupted",
			cause:  &persistence.ChecksumMismatchError{Expected: entry.Checksum, Actual: sum},
		}
	}
	return data, nil
}
