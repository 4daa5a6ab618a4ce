// Package btree implements the principal index (spec.md §4.6, component
// C6): an order-based B+Tree with leaf-linked range scans, addressed
// entirely through page ids so its pages live in the pager/buffer pool
// like any other page.
//
// Grounded on pkg/btree/node.go's offset-table node encoding (the
// pointer array + cumulative-offset table + packed key/value records),
// narrowed from 8-byte in-memory addresses to 4-byte page ids, and
// extended with a next-leaf-page field so leaves form a singly linked
// list for range scans.
package btree

import "encoding/binary"

// Node types.
const (
	typeInternal uint16 = 1
	typeLeaf     uint16 = 2
)

// header layout: type(2) nkeys(2) nextLeaf(4) = 8 bytes. nextLeaf is
// meaningful only for leaf nodes; internal nodes leave it zero.
const nodeHeaderSize = 8

// ptrSize is the width of a child page id slot, reserved uniformly for
// both node types to keep the offset-table math identical to the
// teacher's (leaves simply never read it).
const ptrSize = 4

// BNode views a page body (or an oversized scratch buffer, during a
// split) as a B+Tree node.
type BNode []byte

func (n BNode) btype() uint16 { return binary.LittleEndian.Uint16(n[0:2]) }
func (n BNode) nkeys() uint16 { return binary.LittleEndian.Uint16(n[2:4]) }
func (n BNode) isLeaf() bool  { return n.btype() == typeLeaf }

func (n BNode) setHeader(t, nkeys uint16) {
	binary.LittleEndian.PutUint16(n[0:2], t)
	binary.LittleEndian.PutUint16(n[2:4], nkeys)
}

func (n BNode) nextLeaf() uint32 { return binary.LittleEndian.Uint32(n[4:8]) }
func (n BNode) setNextLeaf(id uint32) {
	binary.LittleEndian.PutUint32(n[4:8], id)
}

func (n BNode) getPtr(idx uint16) uint32 {
	return binary.LittleEndian.Uint32(n[nodeHeaderSize+ptrSize*idx:])
}
func (n BNode) setPtr(idx uint16, id uint32) {
	binary.LittleEndian.PutUint32(n[nodeHeaderSize+ptrSize*idx:], id)
}

func (n BNode) offsetPos(idx uint16) int {
	return nodeHeaderSize + int(ptrSize)*int(n.nkeys()) + 2*(int(idx)-1)
}

func (n BNode) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetPos(idx):])
}

func (n BNode) setOffset(idx uint16, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetPos(idx):], off)
}

func (n BNode) kvBase() int {
	return nodeHeaderSize + int(ptrSize)*int(n.nkeys()) + 2*int(n.nkeys())
}

func (n BNode) kvPos(idx uint16) int {
	return n.kvBase() + int(n.getOffset(idx))
}

func (n BNode) getKey(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4:][:klen]
}

func (n BNode) getVal(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+int(klen):][:vlen]
}

// usedBytes returns how many bytes of the node are live.
func (n BNode) usedBytes() int {
	return n.kvPos(n.nkeys())
}

// lookupLE returns the rightmost slot whose key is <= target (slot 0's
// key is always treated as covering the whole node, exactly as in the
// teacher's nodeLookupLE, so internal nodes need no explicit -infinity
// sentinel).
func lookupLE(n BNode, target []byte) uint16 {
	var found uint16
	nkeys := n.nkeys()
	for i := uint16(1); i < nkeys; i++ {
		if bytesCompare(n.getKey(i), target) <= 0 {
			found = i
		} else {
			break
		}
	}
	return found
}

// lookupExact returns (idx, true) if target is present at idx.
func lookupExact(n BNode, target []byte) (uint16, bool) {
	nkeys := n.nkeys()
	for i := uint16(0); i < nkeys; i++ {
		if bytesCompare(n.getKey(i), target) == 0 {
			return i, true
		}
	}
	return 0, false
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// appendRange copies n entries from old starting at srcOld into new
// starting at dstNew; new must already have its header (type + nkeys)
// set so kvPos/offsetPos resolve against the right nkeys.
func appendRange(new, old BNode, dstNew, srcOld, n uint16) {
	if n == 0 {
		return
	}
	for i := uint16(0); i < n; i++ {
		new.setPtr(dstNew+i, old.getPtr(srcOld+i))
	}
	dstBegin := new.getOffset(dstNew)
	srcBegin := old.getOffset(srcOld)
	for i := uint16(1); i <= n; i++ {
		new.setOffset(dstNew+i, dstBegin+old.getOffset(srcOld+i)-srcBegin)
	}
	begin := old.kvPos(srcOld)
	end := old.kvPos(srcOld + n)
	copy(new[new.kvPos(dstNew):], old[begin:end])
}

// appendKV writes one (ptr, key, value) slot. ptr is ignored for leaves
// by every caller (always 0).
func appendKV(new BNode, idx uint16, ptr uint32, key, val []byte) {
	new.setPtr(idx, ptr)
	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(len(val)))
	copy(new[pos+4:], key)
	copy(new[pos+4+len(key):], val)
	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(len(key)+len(val)))
}
