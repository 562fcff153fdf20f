package snapshot

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/Iron-Ham/agentspace/internal/metadata"
)

// Restore loads state into store, keeping only records whose file still
// exists under root. It replaces the store's contents wholesale and must
// run before anything else touches the store.
//
// Restored lock states are kept as they were saved. A holder that died
// with a write lock leaves the path contended until the record is
// cleared by hand.
func Restore(store *metadata.Store, state State, root string) (restored, dropped int) {
	keep := make([]metadata.FileRecord, 0, len(state.Files))
	for _, rec := range state.Files {
		if rec.Path == "" || !fileExists(root, rec.Path) {
			dropped++
			continue
		}
		keep = append(keep, rec)
	}

	skipped := store.Replace(keep)
	dropped += len(skipped)
	restored = len(keep) - len(skipped)

	kept := make(map[string]bool, restored)
	for _, rec := range store.List() {
		kept[rec.Path] = true
	}
	agents := make([]metadata.AgentActivity, 0, len(state.Agents))
	for _, a := range state.Agents {
		a.CurrentFiles = slices.DeleteFunc(slices.Clone(a.CurrentFiles), func(p string) bool { return !kept[p] })
		agents = append(agents, a)
	}
	store.ReplaceAgents(agents)
	return restored, dropped
}

func fileExists(root, rel string) bool {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return false
	}
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	return err == nil && info.Mode().IsRegular()
}
