package wipe

import (
	"fmt"
	"strings"
)

// DefaultDenyList names the directories under the data volume that must
// never be wiped or browsed into.
var DefaultDenyList = []string{
	"Windows",
	"Program Files",
	"Program Files (x86)",
	"System Volume Information",
	"$RECYCLE.BIN",
	"RECYCLER",
}

// Policy is the path allow-list for wipe and browse operations: paths must
// be rooted under a single data volume and must not touch the deny-list.
// Matching is case-insensitive prefix matching.
type Policy struct {
	Root     string
	DenyList []string
}

// NewPolicy builds a policy rooted at the given data volume with the
// standard deny-list. The root keeps its native separator style, so both
// `D:\` and `/srv/data` work.
func NewPolicy(root string) *Policy {
	p := &Policy{Root: root, DenyList: DefaultDenyList}
	if !strings.HasSuffix(p.Root, p.sep()) {
		p.Root += p.sep()
	}
	return p
}

func (p *Policy) sep() string {
	if strings.Contains(p.Root, `\`) {
		return `\`
	}
	return "/"
}

// normalize converts foreign separators to the policy's style.
func (p *Policy) normalize(path string) string {
	if p.sep() == `\` {
		return strings.ReplaceAll(path, "/", `\`)
	}
	return strings.ReplaceAll(path, `\`, "/")
}

// Validate applies the strict wipe rule: the path must live under the data
// volume and must neither be inside a denied directory nor be an ancestor
// of one (wiping the whole volume would take the deny-list with it).
func (p *Policy) Validate(path string) error {
	n := strings.ToUpper(p.normalize(path))
	rootU := strings.ToUpper(p.Root)
	if !strings.HasPrefix(n, rootU) {
		return fmt.Errorf("path %q is outside the data volume %s", path, p.Root)
	}
	nDir := n
	if !strings.HasSuffix(nDir, strings.ToUpper(p.sep())) {
		nDir += p.sep()
	}
	for _, deny := range p.DenyList {
		d := rootU + strings.ToUpper(deny)
		if strings.HasPrefix(n, d) {
			return fmt.Errorf("path %q is inside protected directory %s%s", path, p.Root, deny)
		}
		if strings.HasPrefix(d, nDir) {
			return fmt.Errorf("path %q contains protected directory %s%s", path, p.Root, deny)
		}
	}
	return nil
}

// ValidateAll returns the subset of paths that fail validation. A wipe job
// with any invalid path is rejected whole.
func (p *Policy) ValidateAll(paths []string) []string {
	var invalid []string
	for _, path := range paths {
		if err := p.Validate(path); err != nil {
			invalid = append(invalid, path)
		}
	}
	return invalid
}

// BrowseAllowed applies the relaxed browse rule: inside the data volume and
// not inside a denied directory. The volume root itself is browsable.
func (p *Policy) BrowseAllowed(path string) bool {
	n := strings.ToUpper(p.normalize(path))
	rootU := strings.ToUpper(p.Root)
	if !strings.HasPrefix(n, rootU) {
		// The root may be given without its trailing separator.
		if n+strings.ToUpper(p.sep()) != rootU {
			return false
		}
		n += p.sep()
	}
	for _, deny := range p.DenyList {
		if strings.HasPrefix(n, rootU+strings.ToUpper(deny)) {
			return false
		}
	}
	return true
}
