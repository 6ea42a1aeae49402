// Package ignore filters corpus paths with gitignore-style patterns.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreFile is the corpus-local pattern file, loaded after .gitignore.
const IgnoreFile = ".kgignore"

type pattern struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool
}

// Matcher holds compiled patterns. Later patterns override earlier ones.
type Matcher struct {
	patterns []pattern
}

// New creates an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Compile creates a matcher from pattern lines.
func Compile(lines ...string) *Matcher {
	m := New()
	m.Add(lines...)
	return m
}

// Add appends pattern lines. Blank lines and # comments are skipped.
func (m *Matcher) Add(lines ...string) {
	for _, line := range lines {
		m.add(line)
	}
}

func (m *Matcher) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	var p pattern
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}
	// Unanchored patterns without a slash match a basename at any depth.
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}
	p.glob = line
	m.patterns = append(m.patterns, p)
}

// LoadFile appends patterns from a gitignore-style file. A missing file is not an error.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.add(scanner.Text())
	}
	return scanner.Err()
}

// Match reports whether the slash-separated relative path is ignored.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, p := range m.patterns {
		var hit bool
		if p.dirOnly && !isDir {
			hit = matchParentDir(p.glob, path)
		} else {
			hit = matchGlob(p.glob, path)
		}
		if hit {
			ignored = !p.negated
		}
	}
	return ignored
}

// matchParentDir reports whether any proper parent directory of path matches glob.
func matchParentDir(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	if !strings.HasSuffix(glob, "/**") {
		if ok, _ := doublestar.Match(glob+"/**", path); ok {
			return true
		}
	}
	return false
}

// Defaults are skipped in every corpus: VCS metadata, editor junk and the
// index's own state directory.
var Defaults = []string{
	".git/",
	".svn/",
	".hg/",
	".kgindex/",
	".cocoindex/",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*.tmp",
	"*.bak",
	"*.log",
	"*.sqlite*",
	"*.db",
	"*.db-shm",
	"*.db-wal",
	"node_modules/",
	"__pycache__/",
	".venv/",
	".idea/",
	".vscode/",
}

// LoadFromDir builds the matcher for a corpus root: defaults, then
// .gitignore, then .kgignore.
func LoadFromDir(dir string) (*Matcher, error) {
	m := Compile(Defaults...)
	if err := m.LoadFile(filepath.Join(dir, ".gitignore")); err != nil {
		return nil, err
	}
	if err := m.LoadFile(filepath.Join(dir, IgnoreFile)); err != nil {
		return nil, err
	}
	return m, nil
}
