package model

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

func TestSaveLoad_Roundtrip(t *testing.T) {
	m := newTestModel(t, testSpec())
	path := filepath.Join(t.TempDir(), "nested", "best.ckpt")

	saved, err := Save(path, m, Metadata{RunID: "run-1", Margin: 1, Epoch: 3, Kind: KindBest, ValLoss: 0.25})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, BackboneLight, saved.Backbone)
	assert.Equal(t, 8, saved.EmbeddingDim)
	assert.False(t, saved.CreatedAt.IsZero())

	loaded, md, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, md.ID)
	assert.Equal(t, "run-1", md.RunID)
	assert.Equal(t, 3, md.Epoch)
	assert.Equal(t, KindBest, md.Kind)
	assert.Equal(t, m.Spec(), loaded.Spec())

	x := randomInput(12, 42)
	want, err := m.Embed(x)
	require.NoError(t, err)
	got, err := loaded.Embed(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	onlyMeta, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, md, onlyMeta)
}

func TestSave_OverwritesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last.ckpt")

	first, err := Save(path, newTestModel(t, testSpec()), Metadata{Epoch: 1})
	require.NoError(t, err)

	other, err := New(testSpec(), rand.New(rand.NewPCG(99, 99)))
	require.NoError(t, err)
	second, err := Save(path, other, Metadata{Epoch: 2})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	md, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, second.ID, md.ID)
	assert.Equal(t, 2, md.Epoch)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadExpect_Mismatch(t *testing.T) {
	spec := testSpec()
	spec.EmbeddingDim = 128
	path := filepath.Join(t.TempDir(), "best.ckpt")
	saved, err := Save(path, newTestModel(t, spec), Metadata{Margin: 1})
	require.NoError(t, err)

	tests := []struct {
		name  string
		want  Expect
		field string
	}{
		{
			name:  "embedding dim",
			want:  Expect{Spec: func() Spec { s := spec; s.EmbeddingDim = 256; return s }()},
			field: "embedding_dim",
		},
		{
			name:  "backbone",
			want:  Expect{Spec: func() Spec { s := spec; s.Backbone = BackboneHeavy; return s }()},
			field: "backbone",
		},
		{
			name:  "margin",
			want:  Expect{Spec: spec, Margin: 2},
			field: "margin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := LoadExpect(path, tt.want)
			require.ErrorIs(t, err, domain.ErrCheckpointMismatch)

			var appErr *domain.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Details["field"])
			assert.Equal(t, saved.ID, appErr.Details["checkpoint_id"])
		})
	}

	m, _, err := LoadExpect(path, Expect{Spec: spec})
	require.NoError(t, err)
	assert.Equal(t, 128, m.Spec().EmbeddingDim)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()

	badMagic := filepath.Join(dir, "bad.ckpt")
	require.NoError(t, os.WriteFile(badMagic, []byte("definitely not a checkpoint"), 0o644))
	_, _, err := Load(badMagic)
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)

	_, err = ReadMetadata(badMagic)
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)

	good := filepath.Join(dir, "good.ckpt")
	_, err = Save(good, newTestModel(t, testSpec()), Metadata{})
	require.NoError(t, err)
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	truncated := filepath.Join(dir, "truncated.ckpt")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)/2], 0o644))
	_, _, err = Load(truncated)
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)

	_, _, err = Load(filepath.Join(dir, "missing.ckpt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
