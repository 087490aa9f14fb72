package snapshot

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffCleanupThreshold = 2

// Diff renders a patch between two stored versions, for audit output.
// Both digests must exist in the store.
func (m *Manager) Diff(a, b string) (string, error) {
	blobA, err := m.store.Load(a)
	if err != nil {
		return "", err
	}
	blobB, err := m.store.Load(b)
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(blobA), string(blobB), true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}
	patches := dmp.PatchMake(string(blobA), diffs)
	return dmp.PatchToText(patches), nil
}
