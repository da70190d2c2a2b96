package wipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"theftguard/agent/agent"
)

// ListDirectory produces a validated listing of one directory under the
// data volume for a remote browse request. Denied children are silently
// omitted; a ".." entry is included when the parent is browsable.
func ListDirectory(policy *Policy, path string) ([]agent.BrowseEntry, error) {
	path = policy.normalize(path)
	if !policy.BrowseAllowed(path) {
		return nil, fmt.Errorf("path %q is outside the browsable area", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path %q is not a directory", path)
	}

	var items []agent.BrowseEntry

	trimmed := strings.TrimSuffix(path, policy.sep())
	if !strings.EqualFold(trimmed+policy.sep(), policy.Root) {
		parent := filepath.Dir(trimmed)
		if policy.BrowseAllowed(parent) {
			items = append(items, agent.BrowseEntry{Name: "..", Path: parent, Type: "folder"})
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		if !policy.BrowseAllowed(childPath) {
			continue
		}
		item := agent.BrowseEntry{
			Name: entry.Name(),
			Path: childPath,
			Type: "file",
		}
		if entry.IsDir() {
			item.Type = "folder"
		} else if fi, err := entry.Info(); err == nil {
			item.Size = fi.Size()
		}
		items = append(items, item)
	}

	// Folders first, then files, alphabetically within each group. The
	// ".." entry stays pinned at the top.
	start := 0
	if len(items) > 0 && items[0].Name == ".." {
		start = 1
	}
	sort.Slice(items[start:], func(i, j int) bool {
		a, b := items[start+i], items[start+j]
		if (a.Type == "folder") != (b.Type == "folder") {
			return a.Type == "folder"
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})

	return items, nil
}
