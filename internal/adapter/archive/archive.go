// Package archive assembles export bundles as zip files and fingerprints
// them with SHA-256.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// Builder writes one zip archive. Every entry is stored uncompressed so
// the bundle is a plain container: image payloads do not deflate
// usefully, and stored entries let clients stream members without
// inflating.
type Builder struct {
	f    *os.File
	zw   *zip.Writer
	sum  hash.Hash
	path string
}

// New creates the archive file at path, creating parent directories.
func New(path string) (*Builder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("archive new: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive new: %w", err)
	}
	sum := sha256.New()
	return &Builder{
		f:    f,
		zw:   zip.NewWriter(io.MultiWriter(f, sum)),
		sum:  sum,
		path: path,
	}, nil
}

// AddFile copies an on-disk file into the archive under name.
func (b *Builder) AddFile(name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("archive add %s: %w", name, err)
	}
	defer func() { _ = src.Close() }()

	w, err := b.entry(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("archive add %s: %w", name, err)
	}
	return nil
}

// AddBytes writes an in-memory payload into the archive under name.
func (b *Builder) AddBytes(name string, data []byte) error {
	w, err := b.entry(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("archive add %s: %w", name, err)
	}
	return nil
}

func (b *Builder) entry(name string) (io.Writer, error) {
	hdr := &zip.FileHeader{Name: name, Method: zip.Store}
	w, err := b.zw.CreateHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("archive entry %s: %w", name, err)
	}
	return w, nil
}

// Close finalizes the archive and returns its hex SHA-256 checksum.
func (b *Builder) Close() (string, error) {
	if err := b.zw.Close(); err != nil {
		_ = b.f.Close()
		return "", fmt.Errorf("archive close: %w", err)
	}
	if err := b.f.Close(); err != nil {
		return "", fmt.Errorf("archive close: %w", err)
	}
	return hex.EncodeToString(b.sum.Sum(nil)), nil
}

// Abort closes and deletes a partially written archive.
func (b *Builder) Abort() {
	_ = b.zw.Close()
	_ = b.f.Close()
	_ = os.Remove(b.path)
}

// Checksum computes the hex SHA-256 of an existing file. Startup recovery
// uses it to validate artifacts that survived a crash.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive checksum: %w", err)
	}
	defer func() { _ = f.Close() }()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("archive checksum: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
