package launcher

import (
	"strings"

	"github.com/tetratelabs/wazero"
)

// BaseTypeName is the ancestor every capsule entry type must declare,
// directly or through its lineage.
const BaseTypeName = "Capsule"

// LineageSection is the custom section a capsule module carries to declare
// its entry type's ancestry: one name per line, the type itself first.
const LineageSection = "capsule.lineage"

// maxLineageDepth bounds the ancestry walk so a cyclic or runaway
// declaration cannot loop the loader.
const maxLineageDepth = 64

// EntryPoint identifies the type a capsule archive is loaded through.
type EntryPoint struct {
	// Name is the entry type itself, the first lineage entry.
	Name string `json:"name"`

	// Lineage is the declared ancestry, child first.
	Lineage []string `json:"lineage"`

	// Member is the archive member the entry type was compiled from.
	Member string `json:"member"`
}

// parseLineage splits a lineage section into names, dropping blank lines
// and surrounding whitespace.
func parseLineage(data []byte) []string {
	var out []string
	for _, ln := range strings.Split(string(data), "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

// lineageOf extracts the declared lineage from a compiled module, or nil
// when the module carries no lineage section.
func lineageOf(compiled wazero.CompiledModule) []string {
	for _, s := range compiled.CustomSections() {
		if s.Name() == LineageSection {
			return parseLineage(s.Data())
		}
	}
	return nil
}

// descendsFromBase walks the lineage until the base type name or the depth
// bound. An entry type named after the base type is itself a capsule.
func descendsFromBase(lineage []string) bool {
	for i, name := range lineage {
		if i == maxLineageDepth {
			return false
		}
		if name == BaseTypeName {
			return true
		}
	}
	return false
}
