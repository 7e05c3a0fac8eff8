// Package wal implements the on-disk write-ahead log: segment rotation, a
// buffered writer with a background flusher goroutine, and a streaming
// reader used for crash recovery and replication catch-up. It is adapted
// from a page-physiological redo log to a log of transaction decision
// records (core/concurrency/wal.Entry): each append is one transaction's
// commit/abort/prepare decision plus the operations it covers, never a
// single page mutation.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LSN is a log sequence number: the global byte offset of a record's start
// across every segment written so far.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType identifies a transaction's decision, mirroring the RM state
// machine's durable transitions.
type LogRecordType byte

const (
	LogRecordTypeCommit LogRecordType = iota + 1
	LogRecordTypeAbort
	LogRecordTypePrepareCommit
	LogRecordTypePrepareAbort
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeCommit:
		return "RM_COMMIT"
	case LogRecordTypeAbort:
		return "RM_ABORT"
	case LogRecordTypePrepareCommit:
		return "RM_PREPARE_COMMIT"
	case LogRecordTypePrepareAbort:
		return "RM_PREPARE_ABORT"
	default:
		return "UNKNOWN"
	}
}

// OperationRecord is the durable form of one operation within a decision
// record: key plus post-image for inserts and updates (spec.md §6 "WAL
// records").
type OperationRecord struct {
	Table     uint32
	Shard     uint32
	Tuple     uint64
	OpType    byte
	PostImage []byte
}

// LogRecord is a single append group: one transaction's decision plus every
// operation it covers, written and read as one unit (spec.md §6 "Records
// for a single transaction are written as one append group").
type LogRecord struct {
	LSN        LSN
	XID        uint64
	Type       LogRecordType
	Operations []OperationRecord
}

// LogManager owns the active log segment, the staging buffer, and a
// background flusher goroutine that periodically writes and syncs it.
type LogManager struct {
	logDir                   string
	archiveDir               string
	logFile                  *os.File
	currentSegmentID         uint64
	currentLSN               LSN
	currentSegmentFileOffset int64
	buffer                   *bytes.Buffer
	mu                       sync.Mutex
	bufferSize               int
	segmentSizeLimit         int64
	stopChan                 chan struct{}
	wg                       sync.WaitGroup
	newLogReady              chan struct{}
	log                      *zap.Logger
}

// NewLogManager creates and initializes a LogManager, resuming from the
// latest segment found in logDir/archiveDir if one exists, and starts its
// background flusher goroutine.
func NewLogManager(logDir, archiveDir string, bufferSize int, segmentSizeLimit int64, log *zap.Logger) (*LogManager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if segmentSizeLimit <= 0 {
		return nil, fmt.Errorf("log segment size limit must be positive")
	}
	if segmentSizeLimit < int64(bufferSize) {
		return nil, fmt.Errorf("log segment size limit (%d) must be >= buffer size (%d)", segmentSizeLimit, bufferSize)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", archiveDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		archiveDir:       archiveDir,
		buffer:           bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize:       bufferSize,
		segmentSizeLimit: segmentSizeLimit,
		stopChan:         make(chan struct{}),
		newLogReady:      make(chan struct{}, 1),
		log:              log,
	}
	if err := lm.findOrCreateLatestLogSegment(); err != nil {
		return nil, fmt.Errorf("initialize log segment: %w", err)
	}

	lm.wg.Add(1)
	go lm.flusher()

	if lm.log != nil {
		lm.log.Info("log manager initialized",
			zap.String("log_dir", logDir), zap.Uint64("segment_id", lm.currentSegmentID), zap.Uint64("lsn", uint64(lm.currentLSN)))
	}
	return lm, nil
}

// GetCurrentLSN returns the next LSN that will be assigned.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

type segmentInfo struct {
	path string
	id   uint64
	size int64
}

func listSegments(dirs ...string) ([]segmentInfo, error) {
	var segs []segmentInfo
	for _, dir := range dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasPrefix(file.Name(), "log_") || !strings.HasSuffix(file.Name(), ".log") {
				continue
			}
			parts := strings.Split(strings.TrimSuffix(file.Name(), ".log"), "_")
			if len(parts) != 2 {
				continue
			}
			id, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				continue
			}
			info, _ := file.Info()
			segs = append(segs, segmentInfo{path: filepath.Join(dir, file.Name()), id: id, size: info.Size()})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

// findOrCreateLatestLogSegment is only ever called before the flusher
// goroutine starts, so it needs no lock of its own.
func (lm *LogManager) findOrCreateLatestLogSegment() error {
	segs, err := listSegments(lm.logDir, lm.archiveDir)
	if err != nil {
		return err
	}

	var globalLSN LSN
	var activeID uint64
	var activeSize int64
	for _, s := range segs {
		globalLSN += LSN(s.size)
		if filepath.Dir(s.path) == lm.logDir {
			activeID = s.id
			activeSize = s.size
		}
	}

	if activeID == 0 {
		lm.currentSegmentID = 1
		lm.currentLSN = 0
		lm.currentSegmentFileOffset = 0
	} else {
		lm.currentSegmentID = activeID
		lm.currentLSN = globalLSN
		lm.currentSegmentFileOffset = activeSize
	}

	path := lm.getLogSegmentPath(lm.currentSegmentID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open/create log segment %s: %w", path, err)
	}
	lm.logFile = f
	return nil
}

func (lm *LogManager) getLogSegmentPath(segmentID uint64) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("log_%05d.log", segmentID))
}

// Append stages record into the buffer, assigns it an LSN, and flushes
// immediately: the durability guarantee for a transaction commit comes from
// the caller awaiting Flush (or the next call's implicit flush), not from
// buffering alone.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	record.LSN = lm.currentLSN
	serialized, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("serialize log record: %w", err)
	}
	recordSize := int64(len(serialized))

	if lm.buffer.Len()+int(recordSize) > lm.bufferSize {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, fmt.Errorf("flush before append: %w", err)
		}
	}
	if lm.currentSegmentFileOffset+recordSize > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("roll segment before append: %w", err)
		}
	}

	if _, err := lm.buffer.Write(serialized); err != nil {
		return InvalidLSN, fmt.Errorf("write record to buffer: %w", err)
	}
	lm.currentLSN += LSN(recordSize)
	lm.currentSegmentFileOffset += recordSize

	if err := lm.flushInternal(); err != nil {
		return InvalidLSN, fmt.Errorf("flush after append: %w", err)
	}

	select {
	case lm.newLogReady <- struct{}{}:
	default:
	}

	return record.LSN, nil
}

// Flush writes any buffered records to the OS and fsyncs the active segment.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("flush log buffer: %w", err)
	}
	if lm.logFile != nil {
		if err := lm.logFile.Sync(); err != nil {
			return fmt.Errorf("sync log file: %w", err)
		}
	}
	return nil
}

// flushInternal must be called with lm.mu held. It does not Sync.
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.logFile == nil {
		return fmt.Errorf("log file not open")
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("write buffer to file: %w", err)
	}
	if n != lm.buffer.Len() {
		return fmt.Errorf("short write: expected %d, wrote %d", lm.buffer.Len(), n)
	}
	lm.buffer.Reset()
	return nil
}

// rollLogSegment must be called with lm.mu held.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("flush before roll: %w", err)
	}
	if lm.logFile != nil {
		if err := lm.logFile.Sync(); err != nil {
			return fmt.Errorf("sync before roll: %w", err)
		}
		if err := lm.logFile.Close(); err != nil {
			return fmt.Errorf("close segment %d: %w", lm.currentSegmentID, err)
		}
		lm.logFile = nil
	}

	oldPath := lm.getLogSegmentPath(lm.currentSegmentID)
	archivePath := filepath.Join(lm.archiveDir, filepath.Base(oldPath))
	if err := os.Rename(oldPath, archivePath); err != nil {
		return fmt.Errorf("archive segment %s: %w", oldPath, err)
	}

	lm.currentSegmentID++
	newPath := lm.getLogSegmentPath(lm.currentSegmentID)
	f, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("open new segment %s: %w", newPath, err)
	}
	lm.logFile = f
	lm.currentSegmentFileOffset = 0
	return nil
}

func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopChan:
			lm.mu.Lock()
			if err := lm.flushInternal(); err != nil && lm.log != nil {
				lm.log.Error("final flush failed on stop", zap.Error(err))
			}
			if lm.logFile != nil {
				if err := lm.logFile.Sync(); err != nil && lm.log != nil {
					lm.log.Error("final sync failed on stop", zap.Error(err))
				}
			}
			lm.mu.Unlock()
			return
		case <-ticker.C:
			lm.mu.Lock()
			if lm.buffer.Len() > 0 {
				if err := lm.flushInternal(); err != nil && lm.log != nil {
					lm.log.Error("periodic flush failed", zap.Error(err))
				}
				if lm.logFile != nil {
					if err := lm.logFile.Sync(); err != nil && lm.log != nil {
						lm.log.Error("periodic sync failed", zap.Error(err))
					}
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the flusher, performs a final roll so every byte written is
// archived, and closes the active file handle.
func (lm *LogManager) Close() error {
	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.buffer.Len() > 0 || (lm.logFile != nil && lm.currentSegmentFileOffset > 0) {
		if err := lm.rollLogSegment(); err != nil && lm.log != nil {
			lm.log.Error("final segment roll failed on close", zap.Error(err))
		}
	} else if lm.logFile != nil {
		if err := lm.logFile.Close(); err != nil && lm.log != nil {
			lm.log.Error("close empty log file failed", zap.Error(err))
		}
		lm.logFile = nil
	}
	if lm.logFile != nil {
		if err := lm.logFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		lm.logFile = nil
	}
	return nil
}

// orderedSegment is a segment annotated with the global LSN range it covers.
type orderedSegment struct {
	segmentInfo
	start, end LSN
}

func (lm *LogManager) getOrderedLogSegments() ([]orderedSegment, error) {
	segs, err := listSegments(lm.logDir, lm.archiveDir)
	if err != nil {
		return nil, err
	}
	out := make([]orderedSegment, 0, len(segs))
	var cursor LSN
	for _, s := range segs {
		out = append(out, orderedSegment{segmentInfo: s, start: cursor, end: cursor + LSN(s.size)})
		cursor += LSN(s.size)
	}
	return out, nil
}

// Recover replays every record at or after fromLSN across archived and
// active segments, in order, calling apply for each. It is the analysis/redo
// pass run once at startup (core/concurrency/wal.Bridge.ReconcileOnRestart).
func (lm *LogManager) Recover(fromLSN LSN, apply func(LogRecord) error) error {
	segs, err := lm.getOrderedLogSegments()
	if err != nil {
		return fmt.Errorf("list segments for recovery: %w", err)
	}
	for _, seg := range segs {
		if seg.end <= fromLSN {
			continue
		}
		f, err := os.Open(seg.path)
		if err != nil {
			return fmt.Errorf("open segment %s: %w", seg.path, err)
		}
		r := bufio.NewReader(f)
		if seg.start < fromLSN {
			if _, err := f.Seek(int64(fromLSN-seg.start), io.SeekStart); err != nil {
				f.Close()
				return fmt.Errorf("seek segment %s: %w", seg.path, err)
			}
			r = bufio.NewReader(f)
		}
		for {
			var lr LogRecord
			err := lm.readLogRecord(r, &lr)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return fmt.Errorf("read record in %s: %w", seg.path, err)
			}
			if err := apply(lr); err != nil {
				f.Close()
				return fmt.Errorf("apply recovered record xid=%d: %w", lr.XID, err)
			}
		}
		f.Close()
	}
	return nil
}

// StartLogStream streams every record from fromLSN onward, blocking for new
// appends once it catches up. Used by replication followers; the sender
// goroutine exits once it observes stopChan (closed by Close()).
func (lm *LogManager) StartLogStream(fromLSN LSN) (<-chan LogRecord, error) {
	out := make(chan LogRecord)

	go func() {
		defer close(out)

		cursor := fromLSN
		var file *os.File
		var reader *bufio.Reader
		var seg orderedSegment
		segIdx := -1

		openSeek := func() error {
			if file != nil {
				file.Close()
				file = nil
			}
			segs, err := lm.getOrderedLogSegments()
			if err != nil {
				return err
			}
			found := false
			for i, s := range segs {
				if cursor >= s.start && cursor < s.end {
					seg, segIdx, found = s, i, true
					break
				}
				if cursor == s.end && i+1 < len(segs) {
					seg, segIdx, found = segs[i+1], i+1, true
					cursor = seg.start
					break
				}
			}
			if !found {
				seg.id = 0
				return nil
			}
			f, err := os.Open(seg.path)
			if err != nil {
				return err
			}
			file = f
			if _, err := f.Seek(int64(cursor-seg.start), io.SeekStart); err != nil {
				f.Close()
				file = nil
				return err
			}
			reader = bufio.NewReader(f)
			return nil
		}

		if err := openSeek(); err != nil {
			return
		}

		for {
			select {
			case <-lm.stopChan:
				return
			default:
			}
			if seg.id == 0 {
				select {
				case <-lm.newLogReady:
					if err := openSeek(); err != nil {
						return
					}
					continue
				case <-lm.stopChan:
					return
				}
			}

			var lr LogRecord
			err := lm.readLogRecord(reader, &lr)
			if err == io.EOF {
				segs, sErr := lm.getOrderedLogSegments()
				if sErr != nil {
					return
				}
				if segIdx+1 < len(segs) {
					seg = segs[segIdx+1]
					segIdx++
					cursor = seg.start
					if err := openSeek(); err != nil {
						return
					}
					continue
				}
				select {
				case <-lm.newLogReady:
					if err := openSeek(); err != nil {
						return
					}
					continue
				case <-lm.stopChan:
					return
				}
			}
			if err != nil {
				return
			}
			select {
			case out <- lr:
				cursor = lr.LSN + LSN(lr.Size())
			case <-lm.stopChan:
				return
			}
		}
	}()

	return out, nil
}

func (lm *LogManager) readLogRecord(r *bufio.Reader, lr *LogRecord) error {
	var lsn uint64
	if err := binary.Read(r, binary.LittleEndian, &lsn); err != nil {
		return err
	}
	lr.LSN = LSN(lsn)
	if err := binary.Read(r, binary.LittleEndian, &lr.XID); err != nil {
		return err
	}
	var t byte
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return err
	}
	lr.Type = LogRecordType(t)
	var nOps uint16
	if err := binary.Read(r, binary.LittleEndian, &nOps); err != nil {
		return err
	}
	lr.Operations = make([]OperationRecord, nOps)
	for i := range lr.Operations {
		op := &lr.Operations[i]
		if err := binary.Read(r, binary.LittleEndian, &op.Table); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.Shard); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.Tuple); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &op.OpType); err != nil {
			return err
		}
		var plen uint32
		if err := binary.Read(r, binary.LittleEndian, &plen); err != nil {
			return err
		}
		op.PostImage = make([]byte, plen)
		if _, err := io.ReadFull(r, op.PostImage); err != nil {
			return err
		}
	}
	return nil
}

// Serialize produces the on-disk form of a decision record: LSN, xid, type,
// operation count, then each operation's key and post-image.
func (lr *LogRecord) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint64(lr.LSN)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, lr.XID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, byte(lr.Type)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(lr.Operations))); err != nil {
		return nil, err
	}
	for _, op := range lr.Operations {
		if err := binary.Write(buf, binary.LittleEndian, op.Table); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, op.Shard); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, op.Tuple); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, op.OpType); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(op.PostImage))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(op.PostImage); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Size returns the serialized length of the record, used to advance a
// stream reader's cursor without re-serializing.
func (lr *LogRecord) Size() int {
	n := 8 + 8 + 1 + 2
	for _, op := range lr.Operations {
		n += 4 + 4 + 8 + 1 + 4 + len(op.PostImage)
	}
	return n
}
