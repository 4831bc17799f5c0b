package dod

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileResolver is the reference SourceResolver: a DSL registry keyed by GID
// takes precedence over filesystem templates rooted at Dir. A "low-color"
// request selects the ".bw" variant of a filesystem template when one
// exists. Selected text is preprocessed for button-theme variable
// substitution before being handed to the FDO compiler.
type FileResolver struct {
	Dir   string
	Theme map[string]string // button theme variables substituted as ${name}

	mu       sync.RWMutex
	registry map[GID]string // DSL registry entries, checked before the filesystem
}

// NewFileResolver constructs a resolver rooted at dir, with no registry
// entries yet.
func NewFileResolver(dir string, theme map[string]string) *FileResolver {
	return &FileResolver{Dir: dir, Theme: theme, registry: make(map[GID]string)}
}

// RegisterDSL adds or replaces a DSL registry entry for gid, which always
// takes precedence over a filesystem template of the same GID.
func (r *FileResolver) RegisterDSL(gid GID, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[gid] = source
}

// Resolve implements SourceResolver.
func (r *FileResolver) Resolve(gid GID, lowColor bool) (string, bool) {
	r.mu.RLock()
	src, ok := r.registry[gid]
	r.mu.RUnlock()
	if ok {
		return r.preprocess(src), true
	}

	base := filepath.Join(r.Dir, FormatDisplay(gid))
	if lowColor {
		if b, err := os.ReadFile(base + ".bw"); err == nil {
			return r.preprocess(string(b)), true
		}
	}
	b, err := os.ReadFile(base + ".fdo")
	if err != nil {
		return "", false
	}
	return r.preprocess(string(b)), true
}

// preprocess substitutes "${name}" button theme variables in source.
func (r *FileResolver) preprocess(source string) string {
	if len(r.Theme) == 0 {
		return source
	}
	for name, val := range r.Theme {
		source = strings.ReplaceAll(source, fmt.Sprintf("${%s}", name), val)
	}
	return source
}
