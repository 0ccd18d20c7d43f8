package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Writer builds a capsule archive. The manifest is written first; members
// follow in call order.
type Writer struct {
	zw *zip.Writer
}

// NewWriter starts an archive on w and writes the manifest.
func NewWriter(w io.Writer, m Manifest) (*Writer, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	zw := zip.NewWriter(w)
	entry, err := zw.Create(ManifestName)
	if err != nil {
		return nil, err
	}
	if _, err := entry.Write(data); err != nil {
		return nil, err
	}
	return &Writer{zw: zw}, nil
}

// Add writes one member.
func (w *Writer) Add(name string, data []byte) error {
	entry, err := w.zw.Create(name)
	if err != nil {
		return err
	}
	_, err = entry.Write(data)
	return err
}

// Close finishes the archive.
func (w *Writer) Close() error { return w.zw.Close() }

// WriteFile creates an archive at path. Members are written in sorted name
// order so the output is deterministic.
func WriteFile(path string, m Manifest, members map[string][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w, err := NewWriter(f, m)
	if err != nil {
		f.Close()
		return err
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if err := w.Add(name, members[name]); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
