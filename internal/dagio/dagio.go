// Package dagio implements the on-disk container format for the frozen
// DAG and persisted build state (spec.md §6): a magic-number-framed,
// zstd-compressed msgpack payload, written atomically via a temp file
// plus rename. The binary layout itself is explicitly out of scope
// (spec.md §1 Non-goals) — any format that round-trips dagmodel.Dag and
// priorstate.StateData is acceptable — so this package is free to pick
// the pack's own serialization idiom rather than Tundra's mmap'd frozen
// array: msgpack (vmihailenco/msgpack) for the encoding and zstd
// (klauspost/compress/zstd) for compression, the same pairing the
// retrieval pack's other storage-oriented repos use for compact,
// versioned container files.
package dagio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/buildcore/internal/dagmodel"
	"github.com/vk/buildcore/internal/priorstate"
)

// magic values identify which payload a container holds so a mismatched
// file (e.g. a state file handed to LoadDag) is rejected up front instead
// of failing deep inside msgpack decoding.
const (
	dagMagic   uint32 = 0x42435f44 // "BC_D"
	stateMagic uint32 = 0x42435f53 // "BC_S"
)

// ErrWrongContainer is returned when a file's magic number does not
// match the kind of payload the caller asked to load.
var ErrWrongContainer = fmt.Errorf("dagio: wrong container magic")

// ErrIdentifierMismatch is returned by LoadState when the state file's
// recorded DAG identifier hash does not match the DAG it is being loaded
// against, signaling that the state file belongs to an unrelated build
// configuration (spec.md §6, "a hashed identifier string ... detects a
// stale or mismatched state file rather than silently misapplying it").
var ErrIdentifierMismatch = fmt.Errorf("dagio: state file identifier does not match dag")

// header is the fixed-size framing written before the compressed
// payload: magic, a format version, and the DAG identifier hash the
// payload was produced against (0 for DAG containers, which carry their
// own Globals.DagIdentifier inside the payload instead).
type header struct {
	Magic     uint32
	Version   uint32
	IdentHash uint32
}

const formatVersion = 1

// SaveDag writes dag to path as a DAG container, atomically.
func SaveDag(path string, dag *dagmodel.Dag) error {
	return writeContainer(path, header{Magic: dagMagic, Version: formatVersion}, dag)
}

// LoadDag reads a DAG container from path.
func LoadDag(path string) (*dagmodel.Dag, error) {
	var dag dagmodel.Dag
	if err := readContainer(path, dagMagic, &dag); err != nil {
		return nil, err
	}
	return &dag, nil
}

// SaveState writes state to path as a state container stamped with
// dagIdentHash so a future LoadState against a differently-configured
// DAG is rejected rather than silently misapplied.
func SaveState(path string, state *priorstate.StateData, dagIdentHash uint32) error {
	return writeContainer(path, header{Magic: stateMagic, Version: formatVersion, IdentHash: dagIdentHash}, state)
}

// LoadState reads a state container from path and verifies it was
// produced against the DAG identified by dagIdentHash. A missing file is
// reported via the returned error satisfying os.IsNotExist; callers
// building for the first time should treat that as "no prior state"
// rather than a fatal error.
func LoadState(path string, dagIdentHash uint32) (*priorstate.StateData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr, payload, err := readFrame(f)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != stateMagic {
		return nil, ErrWrongContainer
	}
	if hdr.IdentHash != dagIdentHash {
		return nil, ErrIdentifierMismatch
	}

	var state priorstate.StateData
	if err := msgpack.Unmarshal(payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func writeContainer(path string, hdr header, payload any) error {
	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(encoded, nil)
	enc.Close()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return err
	}
	buf.Write(compressed)

	return atomicWrite(path, buf.Bytes())
}

func readContainer(path string, wantMagic uint32, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr, payload, err := readFrame(f)
	if err != nil {
		return err
	}
	if hdr.Magic != wantMagic {
		return ErrWrongContainer
	}
	return msgpack.Unmarshal(payload, out)
}

func readFrame(r io.Reader) (header, []byte, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return header{}, nil, err
	}

	compressed, err := io.ReadAll(r)
	if err != nil {
		return header{}, nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return header{}, nil, err
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return header{}, nil, err
	}
	return hdr, payload, nil
}

// atomicWrite writes data to a temp file in the same directory as path
// and renames it into place, so a crash or concurrent reader never
// observes a partially written container (spec.md §6 "atomic ...
// writes").
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dagio-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
