// Package archive reads and writes capsule archives: zip containers holding
// a capsule.yaml manifest and one or more wasm modules.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest member every capsule archive must contain.
const ManifestName = "capsule.yaml"

var (
	// ErrNoManifest reports an archive without a capsule.yaml member.
	ErrNoManifest = errors.New("archive has no manifest")
	// ErrNoMember reports a named member missing from the archive.
	ErrNoMember = errors.New("no such archive member")
)

// Manifest is the parsed capsule.yaml. Main names the entry wasm module
// inside the archive; the loader rejects archives that leave it empty.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version,omitempty"`
	Main        string `yaml:"main"`
	Description string `yaml:"description,omitempty"`
}

// Archive is an opened capsule archive. The manifest is parsed eagerly;
// member bytes are read on demand, so an Archive holds no open handles and
// needs no Close.
type Archive struct {
	path     string
	manifest Manifest
	members  []string
}

// Open reads the archive's manifest and member list.
func Open(path string) (*Archive, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer r.Close()

	a := &Archive{path: path}
	var manifestRaw []byte
	for _, f := range r.File {
		if f.Name == ManifestName {
			manifestRaw, err = readMember(f)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		a.members = append(a.members, f.Name)
	}
	if manifestRaw == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoManifest)
	}
	if err := yaml.Unmarshal(manifestRaw, &a.manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return a, nil
}

// Path returns the archive's location on disk.
func (a *Archive) Path() string { return a.path }

// Manifest returns the parsed manifest.
func (a *Archive) Manifest() Manifest { return a.manifest }

// Members lists the archive's members, excluding the manifest.
func (a *Archive) Members() []string { return slices.Clone(a.members) }

// Has reports whether the named member exists.
func (a *Archive) Has(name string) bool { return slices.Contains(a.members, name) }

// Module returns the bytes of the named member.
func (a *Archive) Module(name string) ([]byte, error) {
	r, err := zip.OpenReader(a.path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", a.path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == name {
			return readMember(f)
		}
	}
	return nil, fmt.Errorf("%s in %s: %w", name, a.path, ErrNoMember)
}

// Main returns the bytes of the manifest's declared entry module.
func (a *Archive) Main() ([]byte, error) {
	return a.Module(a.manifest.Main)
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
