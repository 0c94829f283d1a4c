package manifest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backydb/backydb/internal/schema"
)

func sample() *Manifest {
	m := New("0.1.0", "mysql", "8.0.36", schema.Features{Tables: true, Data: true}, false,
		time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m.Transforms = []Transform{
		{Op: "compress", Type: "tar"},
		{Op: "encrypt", AlgID: 1, KeyProvider: "local"},
	}
	m.Artifacts = []Artifact{
		{Name: "dump.backy", SHA256: strings.Repeat("ab", 32), Size: 1234},
	}
	m.Integrity = Integrity{Type: "hmac", Value: strings.Repeat("cd", 32)}
	return m
}

func TestNewAssignsUUIDAndTimestamp(t *testing.T) {
	m := sample()
	_, err := uuid.Parse(m.BackupID)
	require.NoError(t, err, "backup_id must be a valid UUID")
	assert.Equal(t, "2025-06-01T12:00:00Z", m.CreatedAt)
}

func TestCanonicalSortedNoWhitespace(t *testing.T) {
	m := sample()
	canonical, err := m.Canonical()
	require.NoError(t, err)

	s := string(canonical)
	assert.NotContains(t, s, "\n")
	assert.NotContains(t, s, ": ")
	// top-level keys appear in lexicographic order
	keys := []string{"artifacts", "backup_id", "created_at", "engine", "features",
		"integrity", "multiple_files", "tool_version", "transforms"}
	last := -1
	for _, k := range keys {
		idx := strings.Index(s, `"`+k+`"`)
		require.GreaterOrEqual(t, idx, 0, "key %s missing", k)
		assert.Greater(t, idx, last, "key %s out of order", k)
		last = idx
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	m := sample()
	a, err := m.Canonical()
	require.NoError(t, err)
	b, err := m.Canonical()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestCanonicalForSigningBlanksTag(t *testing.T) {
	m := sample()
	signing, err := m.CanonicalForSigning()
	require.NoError(t, err)
	assert.NotContains(t, string(signing), m.Integrity.Value)
	// the original manifest keeps its tag
	assert.Equal(t, strings.Repeat("cd", 32), m.Integrity.Value)

	full, err := m.Canonical()
	require.NoError(t, err)
	assert.NotEqual(t, signing, full)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sample()
	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.BackupID, got.BackupID)
	assert.Equal(t, m.Features, got.Features)
	require.Len(t, got.Transforms, 2)
	assert.Equal(t, "compress", got.Transforms[0].Op)
	assert.Equal(t, "tar", got.Transforms[0].Type)
	assert.Equal(t, 1, got.Transforms[1].AlgID)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, int64(1234), got.Artifacts[0].Size)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(strings.NewReader("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := Decode(strings.NewReader("{}")); err == nil {
		t.Fatalf("expected error for manifest without backup_id")
	}
}

func TestSchemaShape(t *testing.T) {
	m := sample()
	canonical, err := m.Canonical()
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(canonical, &generic))
	engine := generic["engine"].(map[string]any)
	assert.Equal(t, "mysql", engine["type"])
	features := generic["features"].(map[string]any)
	assert.Equal(t, true, features["tables"])
	assert.Equal(t, false, features["events"])
}

func TestFindHelpers(t *testing.T) {
	m := sample()
	assert.NotNil(t, m.FindTransform("encrypt"))
	assert.Nil(t, m.FindTransform("split"))
	assert.NotNil(t, m.FindArtifact("dump.backy"))
	assert.Nil(t, m.FindArtifact("ghost.sql"))
}
