package wal

import "encoding/binary"

// CheckpointPayload is the decoded contents of a RecCheckpointEnd
// record's Payload: the ATT/DPT snapshot the recovery manager's
// Analysis phase seeds its own tables from.
type CheckpointPayload struct {
	ATT map[uint64]TxnInfo
	DPT map[uint32]uint64
}

// encodeCheckpointPayload packs the snapshot as:
// attCount(4) [txnID(8) lastLSN(8) status(1)]* dptCount(4) [pageID(4) recLSN(8)]*
func encodeCheckpointPayload(att map[uint64]TxnInfo, dpt map[uint32]uint64) []byte {
	size := 4 + len(att)*17 + 4 + len(dpt)*12
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(att)))
	off += 4
	for txnID, info := range att {
		binary.LittleEndian.PutUint64(buf[off:], txnID)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], info.LastLSN)
		off += 8
		buf[off] = byte(info.Status)
		off++
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(dpt)))
	off += 4
	for pageID, lsn := range dpt {
		binary.LittleEndian.PutUint32(buf[off:], pageID)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], lsn)
		off += 8
	}
	return buf
}

// DecodeCheckpointPayload reverses encodeCheckpointPayload.
func DecodeCheckpointPayload(buf []byte) CheckpointPayload {
	p := CheckpointPayload{ATT: make(map[uint64]TxnInfo), DPT: make(map[uint32]uint64)}
	if len(buf) < 4 {
		return p
	}
	off := 0
	attCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	for i := uint32(0); i < attCount; i++ {
		txnID := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		lastLSN := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		status := TxnStatus(buf[off])
		off++
		p.ATT[txnID] = TxnInfo{LastLSN: lastLSN, Status: status}
	}
	dptCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	for i := uint32(0); i < dptCount; i++ {
		pageID := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		recLSN := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		p.DPT[pageID] = recLSN
	}
	return p
}
