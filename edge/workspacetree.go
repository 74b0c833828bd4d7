package edge

import "strings"

// fileTree tracks which paths are currently present in a workspace, so a
// Workspace implementation can answer list_active_files-style queries
// and reconcile deletes/renames without restating its whole file set.
// Adapted from gitp4transfer's commit-tree Node (there used to reconcile
// git rename/delete/copy records against the working tree); here it
// tracks one workspace's checked-out paths instead of one git commit's
// changed paths.
type fileTree struct {
	name            string
	path            string
	isFile          bool
	caseInsensitive bool
	children        []*fileTree
}

func (n *fileTree) stringEqual(s1, s2 string) bool {
	if n.caseInsensitive {
		return len(s1) == len(s2) && strings.EqualFold(s1, s2)
	}
	return len(s1) == len(s2) && s1 == s2
}

// newFileTree returns an empty root node.
func newFileTree(caseInsensitive bool) *fileTree {
	return &fileTree{caseInsensitive: caseInsensitive}
}

// addFile records fullPath as present, creating intermediate directory
// nodes as needed. A no-op if the path is already recorded.
func (n *fileTree) addFile(fullPath string) {
	n.addSubPath(fullPath, fullPath)
}

func (n *fileTree) addSubPath(fullPath, subPath string) {
	parts := strings.SplitN(subPath, "/", 2)
	if len(parts) == 1 {
		for _, c := range n.children {
			if n.stringEqual(c.name, parts[0]) {
				return
			}
		}
		n.children = append(n.children, &fileTree{name: parts[0], isFile: true, path: fullPath, caseInsensitive: n.caseInsensitive})
		return
	}
	for _, c := range n.children {
		if n.stringEqual(c.name, parts[0]) {
			c.addSubPath(fullPath, parts[1])
			return
		}
	}
	child := newFileTree(n.caseInsensitive)
	child.name = parts[0]
	n.children = append(n.children, child)
	child.addSubPath(fullPath, parts[1])
}

// removeFile removes fullPath, if present. A no-op otherwise, matching
// the idempotent delete semantics a workspace sync needs (a file already
// absent locally is not an error).
func (n *fileTree) removeFile(fullPath string) {
	n.removeSubPath(fullPath)
}

func (n *fileTree) removeSubPath(subPath string) {
	parts := strings.SplitN(subPath, "/", 2)
	if len(parts) == 1 {
		for i, c := range n.children {
			if n.stringEqual(c.name, parts[0]) {
				n.children[i] = n.children[len(n.children)-1]
				n.children = n.children[:len(n.children)-1]
				return
			}
		}
		return
	}
	for _, c := range n.children {
		if n.stringEqual(c.name, parts[0]) {
			c.removeSubPath(parts[1])
			return
		}
	}
}

func (n *fileTree) childFiles() []string {
	var files []string
	for _, c := range n.children {
		if c.isFile {
			files = append(files, c.path)
		} else {
			files = append(files, c.childFiles()...)
		}
	}
	return files
}

// filesUnder returns every file path recorded under dir ("" for the
// workspace root).
func (n *fileTree) filesUnder(dir string) []string {
	if dir == "" {
		return n.childFiles()
	}
	parts := strings.SplitN(dir, "/", 2)
	for _, c := range n.children {
		if !n.stringEqual(c.name, parts[0]) {
			continue
		}
		if len(parts) == 1 {
			if c.isFile {
				return []string{c.path}
			}
			return c.childFiles()
		}
		return c.filesUnder(parts[1])
	}
	return nil
}

// contains reports whether fullPath is currently recorded.
func (n *fileTree) contains(fullPath string) bool {
	dir := ""
	if idx := strings.LastIndex(fullPath, "/"); idx >= 0 {
		dir = fullPath[:idx]
	}
	for _, f := range n.filesUnder(dir) {
		if n.stringEqual(f, fullPath) {
			return true
		}
	}
	return false
}
