package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType tags the kind of ARIES log record.
type RecordType byte

const (
	RecBegin RecordType = iota + 1
	RecUpdate
	RecCommit
	RecAbort
	RecCLR
	RecCheckpointBegin
	RecCheckpointEnd
)

func (t RecordType) String() string {
	switch t {
	case RecBegin:
		return "BEGIN"
	case RecUpdate:
		return "UPDATE"
	case RecCommit:
		return "COMMIT"
	case RecAbort:
		return "ABORT"
	case RecCLR:
		return "CLR"
	case RecCheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case RecCheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return "UNKNOWN"
	}
}

// recordHeaderSize covers every fixed-width field preceding the
// variable-length Before/After/Payload sections.
//
// lsn(8) type(1) txnID(8) prevLSN(8) pageID(4) offset(4)
// beforeLen(4) afterLen(4) payloadLen(4) undoNextLSN(8)
const recordHeaderSize = 8 + 1 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 8

// Record is one ARIES log record. Before/After apply to RecUpdate and
// RecCLR; UndoNextLSN applies to RecCLR (the next LSN a crash-recovery
// undo should continue from, skipping everything this CLR already
// compensated for); Payload carries the ATT/DPT snapshot on
// RecCheckpointEnd.
type Record struct {
	LSN         uint64
	Type        RecordType
	TxnID       uint64
	PrevLSN     uint64
	PageID      uint32
	Offset      uint32
	Before      []byte
	After       []byte
	UndoNextLSN uint64
	Payload     []byte
}

// Encode serializes the record with a trailing CRC32 (IEEE) over
// everything preceding it.
func (r *Record) Encode() []byte {
	size := recordHeaderSize + len(r.Before) + len(r.After) + len(r.Payload) + 4
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[0:8], r.LSN)
	buf[8] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[9:17], r.TxnID)
	binary.LittleEndian.PutUint64(buf[17:25], r.PrevLSN)
	binary.LittleEndian.PutUint32(buf[25:29], r.PageID)
	binary.LittleEndian.PutUint32(buf[29:33], r.Offset)
	binary.LittleEndian.PutUint32(buf[33:37], uint32(len(r.Before)))
	binary.LittleEndian.PutUint32(buf[37:41], uint32(len(r.After)))
	binary.LittleEndian.PutUint32(buf[41:45], uint32(len(r.Payload)))
	binary.LittleEndian.PutUint64(buf[45:53], r.UndoNextLSN)

	off := recordHeaderSize
	off += copy(buf[off:], r.Before)
	off += copy(buf[off:], r.After)
	off += copy(buf[off:], r.Payload)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], crc)
	return buf
}

// DecodeRecord parses and CRC-validates a single encoded record.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < recordHeaderSize+4 {
		return nil, ErrTruncated
	}
	beforeLen := binary.LittleEndian.Uint32(data[33:37])
	afterLen := binary.LittleEndian.Uint32(data[37:41])
	payloadLen := binary.LittleEndian.Uint32(data[41:45])

	expected := recordHeaderSize + int(beforeLen) + int(afterLen) + int(payloadLen) + 4
	if len(data) < expected {
		return nil, ErrTruncated
	}

	storedCRC := binary.LittleEndian.Uint32(data[expected-4 : expected])
	computedCRC := crc32.ChecksumIEEE(data[:expected-4])
	if storedCRC != computedCRC {
		return nil, fmt.Errorf("%w: lsn %d", ErrCorrupted, binary.LittleEndian.Uint64(data[0:8]))
	}

	r := &Record{
		LSN:         binary.LittleEndian.Uint64(data[0:8]),
		Type:        RecordType(data[8]),
		TxnID:       binary.LittleEndian.Uint64(data[9:17]),
		PrevLSN:     binary.LittleEndian.Uint64(data[17:25]),
		PageID:      binary.LittleEndian.Uint32(data[25:29]),
		Offset:      binary.LittleEndian.Uint32(data[29:33]),
		UndoNextLSN: binary.LittleEndian.Uint64(data[45:53]),
	}

	off := recordHeaderSize
	if beforeLen > 0 {
		r.Before = append([]byte(nil), data[off:off+int(beforeLen)]...)
		off += int(beforeLen)
	}
	if afterLen > 0 {
		r.After = append([]byte(nil), data[off:off+int(afterLen)]...)
		off += int(afterLen)
	}
	if payloadLen > 0 {
		r.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)
	}
	return r, nil
}

// Size returns the encoded length of the record.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Before) + len(r.After) + len(r.Payload) + 4
}
