package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coredbio/coredb/internal/metrics"
	"golang.org/x/sys/unix"
)

const (
	segmentPrefix = "wal-"

	// segmentMagic and segmentVersion identify the segment file format
	// (spec.md §6); segmentHeaderSize is the fixed header every segment
	// begins with: magic(4) version(4) first_lsn(8).
	segmentMagic      = 0x4E51574C
	segmentVersion    = 1
	segmentHeaderSize = 4 + 4 + 8
)

// segmentInfo tracks one on-disk segment file's starting LSN, used to
// decide which segments TruncateBefore may delete.
type segmentInfo struct {
	index    int
	path     string
	firstLSN uint64
}

// Log is the append-only segment writer (spec.md §4.3, component C3).
// It assigns monotonic LSNs, frames each record with a CRC32, and
// rotates to a new segment file before a record would push the current
// one past segmentBytes.
type Log struct {
	dir          string
	segmentBytes int64
	metrics      *metrics.Metrics

	mu       sync.Mutex
	fd       *os.File
	fileSize int64
	segments []segmentInfo

	lsn uint64 // atomic: last LSN assigned

	closed bool
}

// OpenLog opens the segment directory, creating it and an initial
// segment if empty, or resuming after the highest LSN found in the
// existing segments.
func OpenLog(dir string, segmentBytes int64, m *metrics.Metrics) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir wal dir: %v", ErrLogClosed, err)
	}
	l := &Log{dir: dir, segmentBytes: segmentBytes, metrics: m}

	existing, err := l.discoverSegments()
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if err := l.openSegment(0, 1); err != nil {
			return nil, err
		}
		return l, nil
	}

	l.segments = existing
	maxLSN, err := l.scanHighestLSN(existing)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&l.lsn, maxLSN)

	last := existing[len(existing)-1]
	fd, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen segment: %v", ErrLogClosed, err)
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("%w: stat segment: %v", ErrLogClosed, err)
	}
	l.fd = fd
	l.fileSize = stat.Size()
	return l, nil
}

// HighestLSN returns the LSN assigned to the most recently appended
// record (0 if none have been written yet).
func (l *Log) HighestLSN() uint64 { return atomic.LoadUint64(&l.lsn) }

// Append assigns the next LSN to rec, writes it, and rotates the
// segment first if it would overflow segmentBytes.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	rec.LSN = atomic.AddUint64(&l.lsn, 1)
	data := rec.Encode()

	if l.fileSize+int64(len(data)) > l.segmentBytes {
		if err := l.rotateLocked(rec.LSN); err != nil {
			return 0, err
		}
	}

	n, err := l.fd.Write(data)
	if err != nil {
		return 0, fmt.Errorf("%w: append record: %v", ErrLogClosed, err)
	}
	l.fileSize += int64(n)

	if l.metrics != nil {
		l.metrics.WalAppendsTotal.Inc()
		l.metrics.WalBytesAppended.Add(float64(n))
		l.metrics.WalCurrentLSN.Set(float64(rec.LSN))
	}
	return rec.LSN, nil
}

// Force fsyncs the current segment.
func (l *Log) Force() error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	if err := unix.Fdatasync(int(l.fd.Fd())); err != nil {
		return fmt.Errorf("%w: fdatasync wal segment: %v", ErrLogClosed, err)
	}
	if l.metrics != nil {
		l.metrics.WalForceDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Close fsyncs and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.fd.Sync()
	l.closed = true
	return l.fd.Close()
}

// ReadAll scans every surviving segment in order and returns every
// record it can decode, stopping at the first truncated/corrupted
// frame within the last segment (a torn write from an unclean
// shutdown) and surfacing the decode error (ErrCorrupted or
// ErrTruncated) for damage found anywhere earlier in the chain, which
// recovery treats as fatal.
func (l *Log) ReadAll() ([]*Record, error) {
	l.mu.Lock()
	segs := append([]segmentInfo(nil), l.segments...)
	l.mu.Unlock()

	var out []*Record
	for i, seg := range segs {
		f, err := os.Open(seg.path)
		if err != nil {
			return nil, fmt.Errorf("%w: open segment %s: %v", ErrLogClosed, seg.path, err)
		}
		if _, err := readSegmentHeader(f); err != nil {
			f.Close()
			return nil, err
		}
		isLast := i == len(segs)-1
		for {
			rec, err := readRecord(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				if isLast {
					return out, nil
				}
				return nil, err
			}
			out = append(out, rec)
		}
		f.Close()
	}
	return out, nil
}

// TruncateBefore deletes any fully-written segment whose entire
// contents precede lsn, never touching the currently open segment.
func (l *Log) TruncateBefore(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) <= 1 {
		return nil
	}
	keep := make([]segmentInfo, 0, len(l.segments))
	for i, seg := range l.segments {
		last := i == len(l.segments)-1
		if !last && i+1 < len(l.segments) && l.segments[i+1].firstLSN <= lsn {
			os.Remove(seg.path)
			continue
		}
		keep = append(keep, seg)
	}
	l.segments = keep
	return nil
}

func (l *Log) rotateLocked(firstLSN uint64) error {
	if err := l.fd.Sync(); err != nil {
		return fmt.Errorf("%w: sync before rotate: %v", ErrLogClosed, err)
	}
	if err := l.fd.Close(); err != nil {
		return fmt.Errorf("%w: close before rotate: %v", ErrLogClosed, err)
	}
	nextIndex := l.segments[len(l.segments)-1].index + 1
	if err := l.openSegment(nextIndex, firstLSN); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.WalSegmentRotations.Inc()
	}
	return nil
}

func (l *Log) openSegment(index int, firstLSN uint64) error {
	path := l.segmentPath(index)
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create segment: %v", ErrLogClosed, err)
	}
	if err := writeSegmentHeader(fd, firstLSN); err != nil {
		fd.Close()
		return err
	}
	l.fd = fd
	l.fileSize = int64(segmentHeaderSize)
	l.segments = append(l.segments, segmentInfo{index: index, path: path, firstLSN: firstLSN})
	return nil
}

// writeSegmentHeader stamps a freshly created segment file with its
// magic/version/first-LSN header (spec.md §6), ahead of its first
// record.
func writeSegmentHeader(fd *os.File, firstLSN uint64) error {
	buf := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], segmentVersion)
	binary.LittleEndian.PutUint64(buf[8:16], firstLSN)
	if _, err := fd.Write(buf); err != nil {
		return fmt.Errorf("%w: write segment header: %v", ErrLogClosed, err)
	}
	return nil
}

// readSegmentHeader reads and validates a segment's header, returning
// the first LSN it advertises.
func readSegmentHeader(f *os.File) (uint64, error) {
	buf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, fmt.Errorf("%w: read segment header: %v", ErrCorrupted, err)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint32(buf[4:8])
	if magic != segmentMagic {
		return 0, fmt.Errorf("%w: bad segment magic %#x", ErrCorrupted, magic)
	}
	if version != segmentVersion {
		return 0, fmt.Errorf("%w: unsupported segment version %d", ErrCorrupted, version)
	}
	return binary.LittleEndian.Uint64(buf[8:16]), nil
}

func (l *Log) segmentPath(index int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%010d.log", segmentPrefix, index))
}

func (l *Log) discoverSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read wal dir: %v", ErrLogClosed, err)
	}
	var segs []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+"%010d.log", &idx); err != nil {
			continue
		}
		segs = append(segs, segmentInfo{index: idx, path: filepath.Join(l.dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })
	return segs, nil
}

func (l *Log) scanHighestLSN(segs []segmentInfo) (uint64, error) {
	var max uint64
	for i := range segs {
		f, err := os.Open(segs[i].path)
		if err != nil {
			return 0, fmt.Errorf("%w: open segment for scan: %v", ErrLogClosed, err)
		}
		firstLSN, err := readSegmentHeader(f)
		if err != nil {
			f.Close()
			return 0, err
		}
		segs[i].firstLSN = firstLSN
		for {
			rec, err := readRecord(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				break // torn tail; stop scanning this segment
			}
			if rec.LSN > max {
				max = rec.LSN
			}
		}
		f.Close()
	}
	return max, nil
}

// readRecord reads one frame from r: the fixed header, then the
// variable Before/After/Payload sections it describes, then the CRC.
func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	beforeLen := binary.LittleEndian.Uint32(header[33:37])
	afterLen := binary.LittleEndian.Uint32(header[37:41])
	payloadLen := binary.LittleEndian.Uint32(header[41:45])

	rest := int(beforeLen) + int(afterLen) + int(payloadLen) + 4
	buf := make([]byte, recordHeaderSize+rest)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[recordHeaderSize:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return DecodeRecord(buf)
}
