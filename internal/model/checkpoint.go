package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"retina-forge/internal/failure"
)

// Checkpoint layout, all integers little-endian:
//
//	magic "RFCK" | format uint32 | header length uint32 | JSON Metadata |
//	float64 parameter values in Metadata.Params order | CRC-32 (IEEE) of all
//	preceding bytes
const (
	checkpointMagic = "RFCK"
	// FormatVersion is bumped whenever the layout above changes.
	FormatVersion uint32 = 1
	maxHeaderSize        = 1 << 20
)

// Metadata is the checkpoint header.
type Metadata struct {
	Architecture Architecture `json:"architecture"`
	// Epoch is the number of completed training epochs.
	Epoch int    `json:"epoch"`
	RunID string `json:"run_id,omitempty"`
	// BestKappa is the best validation kappa seen by the run so far, nil
	// when nothing was validated.
	BestKappa *float64 `json:"best_kappa,omitempty"`
	BestEpoch int      `json:"best_epoch,omitempty"`
	Params    []Param  `json:"params"`
}

// WriteCheckpoint serializes m. meta.Architecture and meta.Params are taken
// from m; the caller supplies the rest.
func WriteCheckpoint(w io.Writer, m Model, meta Metadata) error {
	params := m.Params()
	meta.Architecture = m.Architecture()
	meta.Params = make([]Param, len(params))
	for i, p := range params {
		meta.Params[i] = Param{Name: p.Name, Shape: p.Shape}
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode checkpoint header: %w", err)
	}

	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(w, crc))
	var word [8]byte
	// bufio keeps the first write error; Flush reports it.
	bw.WriteString(checkpointMagic)
	binary.LittleEndian.PutUint32(word[:4], FormatVersion)
	bw.Write(word[:4])
	binary.LittleEndian.PutUint32(word[:4], uint32(len(header)))
	bw.Write(word[:4])
	bw.Write(header)
	for _, p := range params {
		for _, v := range p.Data {
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
			bw.Write(word[:])
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	binary.LittleEndian.PutUint32(word[:4], crc.Sum32())
	if _, err := w.Write(word[:4]); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint decodes a checkpoint and rebuilds the model. Any mismatch
// between the stored and expected architecture, any parameter shape
// mismatch and any corruption is a model load error.
func ReadCheckpoint(r io.Reader, expected Architecture) (*PooledMLP, Metadata, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, Metadata{}, failure.New(failure.ModelLoad, "read checkpoint", err)
	}
	meta, body, err := decodeHeader(raw)
	if err != nil {
		return nil, Metadata{}, err
	}

	got := meta.Architecture
	if got.Name != expected.Name || got.Version != expected.Version {
		return nil, meta, failure.Newf(failure.ModelLoad, "check architecture",
			"checkpoint is %s/%s, model expects %s/%s", got.Name, got.Version, expected.Name, expected.Version)
	}
	if got != expected {
		return nil, meta, failure.Newf(failure.ModelLoad, "check architecture", "checkpoint is %s, model expects %s", got, expected)
	}
	want := expected.ParamShapes()
	if len(meta.Params) != len(want) {
		return nil, meta, failure.Newf(failure.ModelLoad, "check parameters", "checkpoint has %d parameters, model expects %d", len(meta.Params), len(want))
	}
	total := 0
	for i, p := range meta.Params {
		if err := checkParam(p, want[i]); err != nil {
			return nil, meta, failure.New(failure.ModelLoad, "check parameters", err)
		}
		total += size(p.Shape)
	}
	if len(body) != 8*total {
		return nil, meta, failure.Newf(failure.ModelLoad, "read parameters", "have %d bytes of parameters, want %d", len(body), 8*total)
	}

	params := make([]Param, len(meta.Params))
	off := 0
	for i, p := range meta.Params {
		n := size(p.Shape)
		data := make([]float64, n)
		for j := range data {
			data[j] = math.Float64frombits(binary.LittleEndian.Uint64(body[off:]))
			off += 8
		}
		params[i] = Param{Name: p.Name, Shape: p.Shape, Data: data}
	}
	m, err := FromParams(expected, params)
	if err != nil {
		return nil, meta, failure.New(failure.ModelLoad, "build model", err)
	}
	return m, meta, nil
}

// decodeHeader verifies framing and checksum and returns the metadata and the
// parameter bytes.
func decodeHeader(raw []byte) (Metadata, []byte, error) {
	const fixed = len(checkpointMagic) + 4 + 4
	if len(raw) < fixed+4 {
		return Metadata{}, nil, failure.Newf(failure.ModelLoad, "read checkpoint", "file too short (%d bytes)", len(raw))
	}
	if string(raw[:4]) != checkpointMagic {
		return Metadata{}, nil, failure.New(failure.ModelLoad, "read checkpoint", errors.New("not a checkpoint file"))
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != FormatVersion {
		return Metadata{}, nil, failure.Newf(failure.ModelLoad, "read checkpoint", "format version %d, supported %d", v, FormatVersion)
	}
	payload, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	if sum := crc32.ChecksumIEEE(payload); sum != binary.LittleEndian.Uint32(trailer) {
		return Metadata{}, nil, failure.New(failure.ModelLoad, "read checkpoint", errors.New("checksum mismatch"))
	}
	headerLen := int(binary.LittleEndian.Uint32(raw[8:12]))
	if headerLen > maxHeaderSize || fixed+headerLen > len(payload) {
		return Metadata{}, nil, failure.Newf(failure.ModelLoad, "read checkpoint", "header length %d out of range", headerLen)
	}
	var meta Metadata
	dec := json.NewDecoder(bytes.NewReader(raw[fixed : fixed+headerLen]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&meta); err != nil {
		return Metadata{}, nil, failure.New(failure.ModelLoad, "decode checkpoint header", err)
	}
	return meta, payload[fixed+headerLen:], nil
}

// SaveCheckpoint writes the checkpoint to path atomically: the bytes go to a
// temporary file in the same directory, which is synced and then renamed
// over path. Readers never observe a partial file.
func SaveCheckpoint(path string, m Model, meta Metadata) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := WriteCheckpoint(tmp, m, meta); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return multierr.Append(fmt.Errorf("sync checkpoint: %w", err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint opens path and decodes it with ReadCheckpoint.
func LoadCheckpoint(path string, expected Architecture) (*PooledMLP, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, failure.New(failure.ModelLoad, "open checkpoint", err)
	}
	defer f.Close()
	return ReadCheckpoint(f, expected)
}

// ReadMetadata returns only the header of the checkpoint at path.
func ReadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, failure.New(failure.ModelLoad, "open checkpoint", err)
	}
	meta, _, err := decodeHeader(raw)
	return meta, err
}
