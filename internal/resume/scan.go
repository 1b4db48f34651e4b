package resume

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/conductor/internal/watch"
)

// Scan is what a filesystem walk found in a project directory.
type Scan struct {
	Manifests   []string
	SourceFiles int
	TestFiles   int
	RouteDirs   []string
}

var (
	manifestNames = []string{
		"go.mod", "package.json", "Cargo.toml", "pyproject.toml", "requirements.txt",
		"pom.xml", "build.gradle", "Gemfile", "composer.json", "Package.swift",
	}
	sourceExts = []string{
		".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".rs", ".java", ".kt", ".rb", ".php",
		".swift", ".c", ".cc", ".cpp", ".h", ".cs", ".vue", ".svelte",
	}
	routeDirNames = []string{"api", "routes", "handlers", "controllers", "endpoints"}
)

// ScanProject walks root, skipping the store directory and the names the
// file watcher ignores.
func ScanProject(root, storeDir string) (*Scan, error) {
	scan := &Scan{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (path == storeDir || slices.Contains(watch.DefaultIgnore, name)) {
				return filepath.SkipDir
			}
			if slices.Contains(routeDirNames, strings.ToLower(name)) {
				rel, _ := filepath.Rel(root, path)
				scan.RouteDirs = append(scan.RouteDirs, filepath.ToSlash(rel))
			}
			return nil
		}
		switch {
		case slices.Contains(manifestNames, name):
			rel, _ := filepath.Rel(root, path)
			scan.Manifests = append(scan.Manifests, filepath.ToSlash(rel))
		case isTestFile(name):
			scan.TestFiles++
		case slices.Contains(sourceExts, filepath.Ext(name)):
			scan.SourceFiles++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

func isTestFile(name string) bool {
	if !slices.Contains(sourceExts, filepath.Ext(name)) {
		return false
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(base, "_test") || strings.HasSuffix(base, ".test") ||
		strings.HasSuffix(base, ".spec") || strings.HasPrefix(base, "test_")
}

// Progress estimates completion from the scan. The estimate never reaches
// 100 because the backlog that would confirm completion is missing.
func (s *Scan) Progress() int {
	p := 0
	if len(s.Manifests) > 0 {
		p += 10
	}
	p += min(s.SourceFiles*4, 40)
	p += min(s.TestFiles*5, 25)
	if len(s.RouteDirs) > 0 {
		p += 15
	}
	return min(p, 90)
}
