package launcher

import (
	"context"
	"slices"

	"github.com/caffeineduck/capsule/archive"
)

// Info summarizes a capsule archive without creating an instance.
type Info struct {
	Manifest archive.Manifest `json:"manifest"`
	Entry    EntryPoint       `json:"entry"`
	Exports  []string         `json:"exports"`
	Members  []string         `json:"members"`
}

// Inspect opens the archive, resolves its entry point, and reports what
// the compiled entry module exports. It shares Open's validation, so an
// archive Inspect accepts will also launch.
func Inspect(ctx context.Context, path string) (Info, error) {
	l, err := Open(ctx, path)
	if err != nil {
		return Info{}, err
	}
	defer l.Close(ctx)

	var exports []string
	for name := range l.lc.compiled.ExportedFunctions() {
		exports = append(exports, name)
	}
	slices.Sort(exports)

	return Info{
		Manifest: l.lc.archive.Manifest(),
		Entry:    l.lc.entry,
		Exports:  exports,
		Members:  l.lc.archive.Members(),
	}, nil
}
