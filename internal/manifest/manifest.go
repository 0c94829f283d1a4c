package manifest

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/schema"
)

// FileName is the manifest's name next to the backup artifacts.
const FileName = "manifest.json"

// Manifest records everything needed to reverse a backup's transform chain.
// It is never encrypted; when integrity is enabled its tag covers the
// canonical form with the tag field empty.
type Manifest struct {
	BackupID      string          `json:"backup_id"`
	CreatedAt     string          `json:"created_at"`
	ToolVersion   string          `json:"tool_version"`
	Engine        Engine          `json:"engine"`
	Features      schema.Features `json:"features"`
	MultipleFiles bool            `json:"multiple_files"`
	Transforms    []Transform     `json:"transforms"`
	Artifacts     []Artifact      `json:"artifacts"`
	Integrity     Integrity       `json:"integrity"`
}

type Engine struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Transform is one reversible step of the pipeline, applied in list order
// during backup and reversed during restore.
type Transform struct {
	Op          string `json:"op"`
	Type        string `json:"type,omitempty"`         // compress: zip|tar
	AlgID       int    `json:"alg_id,omitempty"`       // encrypt
	KeyProvider string `json:"key_provider,omitempty"` // encrypt
}

// Artifact records the raw (pre-transform) identity of one artifact: its
// name before any transform, its SHA-256 and its size.
type Artifact struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type Integrity struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// New seeds a manifest with identity fields.
func New(toolVersion, engineType, engineVersion string, features schema.Features, multipleFiles bool, createdAt time.Time) *Manifest {
	return &Manifest{
		BackupID:      uuid.NewString(),
		CreatedAt:     createdAt.UTC().Format(time.RFC3339),
		ToolVersion:   toolVersion,
		Engine:        Engine{Type: engineType, Version: engineVersion},
		Features:      features,
		MultipleFiles: multipleFiles,
		Transforms:    []Transform{},
		Artifacts:     []Artifact{},
	}
}

// Canonical renders the manifest as UTF-8 JSON with lexicographically sorted
// keys and no insignificant whitespace. Numbers survive the round trip
// untouched via json.Number.
func (m *Manifest) Canonical() ([]byte, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "manifest.canonical", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, errs.Wrap(errs.Internal, "manifest.canonical", err)
	}
	// encoding/json emits map keys in sorted order and no whitespace.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "manifest.canonical", err)
	}
	return canonical, nil
}

// CanonicalForSigning is the canonical form with the integrity value blanked,
// breaking the tag-signs-itself cycle.
func (m *Manifest) CanonicalForSigning() ([]byte, error) {
	unsigned := *m
	unsigned.Integrity.Value = ""
	return unsigned.Canonical()
}

// Encode writes the canonical form.
func (m *Manifest) Encode(w io.Writer) error {
	data, err := m.Canonical()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errs.Wrap(errs.Internal, "manifest.encode", err)
	}
	return nil
}

// Decode reads a manifest back. It is read first during restore and its
// transform chain is authoritative.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, errs.Wrap(errs.CorruptArchive, "manifest.decode", err)
	}
	if m.BackupID == "" {
		return nil, errs.New(errs.CorruptArchive, "manifest.decode", "manifest has no backup_id")
	}
	return &m, nil
}

// FindTransform returns the first transform with the given op, or nil.
func (m *Manifest) FindTransform(op string) *Transform {
	for i := range m.Transforms {
		if m.Transforms[i].Op == op {
			return &m.Transforms[i]
		}
	}
	return nil
}

// FindArtifact returns the entry with the given name, or nil.
func (m *Manifest) FindArtifact(name string) *Artifact {
	for i := range m.Artifacts {
		if m.Artifacts[i].Name == name {
			return &m.Artifacts[i]
		}
	}
	return nil
}
