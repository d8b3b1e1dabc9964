package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

const (
	checkpointVersion = 1
	maxMetadataSize   = 1 << 20
	maxNameLen        = 1 << 10
)

var checkpointMagic = [8]byte{'N', 'E', 'T', 'R', 'A', 'C', 'K', 'P'}

// Checkpoint kinds.
const (
	KindBest     = "best"
	KindPeriodic = "periodic"
	KindFinal    = "final"
)

// Metadata is stored ahead of the parameters and is readable without
// decompressing them.
type Metadata struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id,omitempty"`
	Backbone     string    `json:"backbone"`
	EmbeddingDim int       `json:"embedding_dim"`
	HiddenDim    int       `json:"hidden_dim"`
	InputSize    int       `json:"input_size"`
	Dropout      float64   `json:"dropout"`
	Margin       float64   `json:"margin"`
	Epoch        int       `json:"epoch"`
	Kind         string    `json:"kind,omitempty"`
	ValLoss      float64   `json:"val_loss"`
	ValAccuracy  float64   `json:"val_accuracy"`
	CreatedAt    time.Time `json:"created_at"`
}

func (md Metadata) Spec() Spec {
	return Spec{
		Backbone:     md.Backbone,
		EmbeddingDim: md.EmbeddingDim,
		HiddenDim:    md.HiddenDim,
		InputSize:    md.InputSize,
		Dropout:      md.Dropout,
	}
}

// Expect describes the model a loader is configured for. Margin is only
// compared when it is non-zero.
type Expect struct {
	Spec   Spec
	Margin float64
}

// Check returns ErrCheckpointMismatch naming the first conflicting field.
func (e Expect) Check(md Metadata) error {
	mismatch := func(field string, want, got any) error {
		return domain.ErrCheckpointMismatch.WithDetails(map[string]any{
			"checkpoint_id": md.ID,
			"field":         field,
			"expected":      want,
			"actual":        got,
		})
	}
	switch {
	case md.Backbone != e.Spec.Backbone:
		return mismatch("backbone", e.Spec.Backbone, md.Backbone)
	case md.EmbeddingDim != e.Spec.EmbeddingDim:
		return mismatch("embedding_dim", e.Spec.EmbeddingDim, md.EmbeddingDim)
	case md.HiddenDim != e.Spec.HiddenDim:
		return mismatch("hidden_dim", e.Spec.HiddenDim, md.HiddenDim)
	case md.InputSize != e.Spec.InputSize:
		return mismatch("input_size", e.Spec.InputSize, md.InputSize)
	case e.Margin != 0 && md.Margin != e.Margin:
		return mismatch("margin", e.Margin, md.Margin)
	}
	return nil
}

// Save writes m and md to path, replacing any existing file atomically.
// The ID, CreatedAt and architecture fields of md are filled in and the final
// metadata is returned.
func Save(path string, m *Model, md Metadata) (Metadata, error) {
	spec := m.Spec()
	md.ID = uuid.NewString()
	md.CreatedAt = time.Now().UTC()
	md.Backbone = spec.Backbone
	md.EmbeddingDim = spec.EmbeddingDim
	md.HiddenDim = spec.HiddenDim
	md.InputSize = spec.InputSize
	md.Dropout = spec.Dropout

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return md, fmt.Errorf("create checkpoint dir: %w", err)
	}

	f, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return md, fmt.Errorf("create checkpoint temp file: %w", err)
	}
	defer func() { _ = f.Cleanup() }()

	w := bufio.NewWriter(f)
	if err := writeCheckpoint(w, m, md); err != nil {
		return md, fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return md, fmt.Errorf("flush checkpoint %s: %w", path, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return md, fmt.Errorf("replace checkpoint %s: %w", path, err)
	}
	return md, nil
}

func writeCheckpoint(w io.Writer, m *Model, md Metadata) error {
	meta, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(checkpointVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(meta))); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	params := m.Params().All()
	if err := binary.Write(enc, binary.LittleEndian, uint32(len(params))); err != nil {
		_ = enc.Close()
		return err
	}
	for _, p := range params {
		if err := binary.Write(enc, binary.LittleEndian, uint32(len(p.Name))); err != nil {
			_ = enc.Close()
			return err
		}
		if _, err := enc.Write([]byte(p.Name)); err != nil {
			_ = enc.Close()
			return err
		}
		if err := binary.Write(enc, binary.LittleEndian, uint32(len(p.Value))); err != nil {
			_ = enc.Close()
			return err
		}
		if err := binary.Write(enc, binary.LittleEndian, p.Value); err != nil {
			_ = enc.Close()
			return err
		}
	}
	return enc.Close()
}

// ReadMetadata reads only the metadata block of a checkpoint.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	md, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return Metadata{}, corrupt(path, err)
	}
	return md, nil
}

// Load reads a checkpoint and rebuilds the model it describes.
func Load(path string) (*Model, Metadata, error) {
	return load(path, nil)
}

// LoadExpect is Load preceded by a metadata check against want; on mismatch
// the parameters are never read.
func LoadExpect(path string, want Expect) (*Model, Metadata, error) {
	return load(path, &want)
}

func load(path string, want *Expect) (*Model, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	md, err := readHeader(r)
	if err != nil {
		return nil, Metadata{}, corrupt(path, err)
	}
	if want != nil {
		if err := want.Check(md); err != nil {
			return nil, md, err
		}
	}

	// parameters are overwritten below, the seed only satisfies New
	m, err := New(md.Spec(), rand.New(rand.NewPCG(0, 0)))
	if err != nil {
		return nil, md, corrupt(path, err)
	}
	if err := readParams(r, m); err != nil {
		return nil, md, err
	}
	return m, md, nil
}

func readHeader(r io.Reader) (Metadata, error) {
	var md Metadata
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return md, fmt.Errorf("read magic: %w", err)
	}
	if magic != checkpointMagic {
		return md, errors.New("not a checkpoint file")
	}
	var version, size uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return md, fmt.Errorf("read version: %w", err)
	}
	if version != checkpointVersion {
		return md, fmt.Errorf("unsupported checkpoint version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return md, fmt.Errorf("read metadata size: %w", err)
	}
	if size > maxMetadataSize {
		return md, fmt.Errorf("metadata block too large: %d bytes", size)
	}
	meta := make([]byte, size)
	if _, err := io.ReadFull(r, meta); err != nil {
		return md, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.NewDecoder(bytes.NewReader(meta)).Decode(&md); err != nil {
		return md, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

func readParams(r io.Reader, m *Model) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return domain.ErrCheckpointCorrupt.WithError(err)
	}
	defer dec.Close()

	params := m.Params().All()
	var count uint32
	if err := binary.Read(dec, binary.LittleEndian, &count); err != nil {
		return domain.ErrCheckpointCorrupt.WithError(err)
	}
	if int(count) != len(params) {
		return domain.ErrCheckpointMismatch.WithDetails(map[string]any{
			"field":    "parameter_count",
			"expected": len(params),
			"actual":   count,
		})
	}

	for _, p := range params {
		var nameLen uint32
		if err := binary.Read(dec, binary.LittleEndian, &nameLen); err != nil {
			return domain.ErrCheckpointCorrupt.WithError(err)
		}
		if nameLen > maxNameLen {
			return domain.ErrCheckpointCorrupt.WithDetails(map[string]any{"parameter_name_length": nameLen})
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(dec, name); err != nil {
			return domain.ErrCheckpointCorrupt.WithError(err)
		}
		var n uint32
		if err := binary.Read(dec, binary.LittleEndian, &n); err != nil {
			return domain.ErrCheckpointCorrupt.WithError(err)
		}
		if string(name) != p.Name || int(n) != len(p.Value) {
			return domain.ErrCheckpointMismatch.WithDetails(map[string]any{
				"field":    "parameter",
				"expected": fmt.Sprintf("%s[%d]", p.Name, len(p.Value)),
				"actual":   fmt.Sprintf("%s[%d]", name, n),
			})
		}
		if err := binary.Read(dec, binary.LittleEndian, p.Value); err != nil {
			return domain.ErrCheckpointCorrupt.WithError(err)
		}
	}
	return nil
}

func corrupt(path string, err error) error {
	return domain.ErrCheckpointCorrupt.WithError(err).WithDetails(map[string]any{"path": path})
}
