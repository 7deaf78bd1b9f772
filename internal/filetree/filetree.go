// Package filetree rebuilds a project's source tree from its template
// starter files and the file operations recorded in its message history.
package filetree

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Operation actions recorded in history.
const (
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// FileOp is one file change carried by a history message.
type FileOp struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Message is one entry of a project's stored message history. Only the file
// operations matter for rehydration.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content,omitempty"`
	Files   []FileOp `json:"files,omitempty"`
}

// ParseHistory decodes stored history. Callers treat an error as an empty
// history.
func ParseHistory(raw *string) ([]Message, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(*raw), &msgs); err != nil {
		return nil, fmt.Errorf("parse message history: %w", err)
	}
	return msgs, nil
}

// Rehydrate replays history onto the starter files and returns the
// resulting tree. Inputs are not modified.
func Rehydrate(initFiles map[string]string, history []Message) map[string]string {
	tree := make(map[string]string, len(initFiles))
	for p, c := range initFiles {
		if clean, ok := Normalize(p); ok {
			tree[clean] = c
		}
	}
	for _, msg := range history {
		for _, op := range msg.Files {
			clean, ok := Normalize(op.Path)
			if !ok {
				continue
			}
			switch op.Action {
			case ActionDelete:
				delete(tree, clean)
			case "", ActionWrite:
				tree[clean] = op.Content
			}
		}
	}
	return tree
}

// Normalize cleans a project-relative path. It rejects empty paths and
// paths escaping the project root.
func Normalize(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", false
	}
	clean := path.Clean(strings.TrimPrefix(p, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

var excludedDirs = []string{".git", "node_modules", "dist", "build", ".wrangler", ".output", ".next", ".cache"}

// Excluded reports whether a path must not be synced: VCS metadata,
// dependencies, build output, secrets and logs.
func Excluded(p string) bool {
	segments := strings.Split(p, "/")
	for _, seg := range segments[:len(segments)-1] {
		for _, dir := range excludedDirs {
			if seg == dir {
				return true
			}
		}
	}
	base := segments[len(segments)-1]
	switch {
	case base == ".env" || strings.HasPrefix(base, ".env."):
		return true
	case base == ".dev.vars":
		return true
	case strings.HasSuffix(base, ".log"):
		return true
	case base == ".DS_Store":
		return true
	}
	return false
}

// Filter splits a tree into the files to sync and the sorted excluded paths.
func Filter(tree map[string]string) (kept map[string]string, excluded []string) {
	kept = make(map[string]string, len(tree))
	for p, c := range tree {
		if Excluded(p) {
			excluded = append(excluded, p)
			continue
		}
		kept[p] = c
	}
	sort.Strings(excluded)
	return kept, excluded
}

// SortedPaths returns the tree's paths in lexical order.
func SortedPaths(tree map[string]string) []string {
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
