package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "img.png")
	require.NoError(t, os.WriteFile(src, []byte("fake-png-bytes"), 0o644))

	out := filepath.Join(dir, "bundle", "export.zip")
	b, err := New(out)
	require.NoError(t, err)
	require.NoError(t, b.AddFile("images/img.png", src))
	require.NoError(t, b.AddBytes("annotations/coco.json", []byte(`{"images":[]}`)))

	checksum, err := b.Close()
	require.NoError(t, err)
	require.Len(t, checksum, 64)

	again, err := Checksum(out)
	require.NoError(t, err)
	assert.Equal(t, checksum, again)

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	require.Len(t, zr.File, 2)
	assert.Equal(t, "images/img.png", zr.File[0].Name)
	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method, f.Name)
	}
}

func TestBuilder_AbortRemovesPartial(t *testing.T) {
	out := filepath.Join(t.TempDir(), "export.zip")
	b, err := New(out)
	require.NoError(t, err)
	require.NoError(t, b.AddBytes("metrics/metrics.csv", []byte("a,b\n")))
	b.Abort()

	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
