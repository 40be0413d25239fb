// Package bhash provides the hashing primitives shared by the frozen DAG
// container, the persisted build-state container, and the signature
// engine: a 32-bit path hash used for quick bucketing and directory glob
// signatures, and a 160-bit streaming digest accumulator used for input
// signatures and node GUIDs.
package bhash

import (
	"crypto/sha1"
	"hash"
	"strings"
)

// Digest is a 160-bit signature value, the output width of the streaming
// accumulator below.
type Digest [sha1.Size]byte

// Djb2 computes the classic Bernstein hash over s. Used for the 32-bit
// path hash and for hashing scanner extension/keyword tables. Matches
// original_source/src/FileSign.cpp's Djb2Hash bit for bit: seed 5381,
// h = h*33 + c.
func Djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// DjbBytes is Djb2 over a byte slice, used when hashing raw file content
// chunks instead of strings.
func DjbBytes(b []byte) uint32 {
	var h uint32 = 5381
	for _, c := range b {
		h = h*33 + uint32(c)
	}
	return h
}

// PathHash is the 32-bit DJB2 hash of path after separator
// canonicalization (spec.md §6, "path hash is a 32-bit DJB2 over a
// normalized (separator-canonicalized) path"), used to order and
// deduplicate scanner-discovered implicit inputs (spec.md §4.2 step 4,
// "dedup by path_hash then path").
func PathHash(path string) uint32 {
	return Djb2(strings.ReplaceAll(path, "\\", "/"))
}

// State is a streaming 160-bit signature accumulator. Callers feed it
// arbitrary byte sequences — raw file bytes, path strings, timestamps
// encoded as 8 bytes — and a separator between logically distinct fields,
// then call Digest to finalize. It wraps crypto/sha1 rather than a
// fixed-size buffer because input signatures are assembled piecewise from
// files whose contents are only available in streaming chunks.
type State struct {
	h hash.Hash
}

// NewState returns a fresh accumulator.
func NewState() *State {
	return &State{h: sha1.New()}
}

// Write feeds raw bytes into the accumulator. Never returns an error;
// present to satisfy io.Writer so the state can be handed to io.Copy when
// hashing file content directly.
func (s *State) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// WriteString feeds a string into the accumulator.
func (s *State) WriteString(str string) {
	s.h.Write([]byte(str))
}

// WriteUint64 feeds an 8-byte little-endian encoding of v, used for
// timestamps and sizes.
func (s *State) WriteUint64(v uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	s.h.Write(buf[:])
}

// Separator feeds a single null byte, delimiting one logical field from
// the next. Accumulating "foo"+"bar" must not collide with "foob"+"ar";
// the separator breaks that ambiguity.
func (s *State) Separator() {
	s.h.Write([]byte{0})
}

// Digest finalizes the accumulator into a 160-bit value. Digest does not
// reset the underlying hash; callers that need a fresh accumulator should
// call NewState again.
func (s *State) Digest() Digest {
	var d Digest
	copy(d[:], s.h.Sum(nil))
	return d
}

// GUID derives a 16-byte node identifier from a digest by truncation, per
// spec.md §3 ("Nodes are uniquely identified by a 16-byte GUID, derived
// deterministically from the node's fully-qualified name and action").
type GUID [16]byte

// DeriveGUID truncates a Digest to the first 16 bytes to form a GUID. The
// digest is expected to already be computed over the node's qualified
// name plus its action text.
func DeriveGUID(d Digest) GUID {
	var g GUID
	copy(g[:], d[:16])
	return g
}

// NodeGUID computes the GUID for a node directly from its identifying
// strings, without requiring the caller to build a State manually.
func NodeGUID(qualifiedName, action string) GUID {
	s := NewState()
	s.WriteString(qualifiedName)
	s.Separator()
	s.WriteString(action)
	return DeriveGUID(s.Digest())
}
