package integrity

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	DefaultExtensions = []string{"php", "css", "js"}
	DefaultExclusions = []string{"vendor/", "node_modules/", "storage/", "tests/", ".git/"}
)

// PathRule is one monitored entry: a file or directory relative to the
// scan root, with the extension allow-list and exclusion substrings that
// apply to files found through it.
type PathRule struct {
	Path       string   `json:"path" yaml:"path" mapstructure:"path"`
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty" mapstructure:"extensions"`
	Exclude    []string `json:"exclude,omitempty" yaml:"exclude,omitempty" mapstructure:"exclude"`
}

// MonitoredPathSet is the ordered, read-only list of monitored entries.
type MonitoredPathSet []PathRule

// DefaultPathSet mirrors the layout of a typical MVC web application.
func DefaultPathSet() MonitoredPathSet {
	return PathSetFromPaths([]string{
		"app/Helpers/",
		"app/Http/Controllers/",
		"app/Http/Middleware/",
		"app/Models/",
		"public/assets/css",
		"public/assets/js",
		"resources/views",
	})
}

// PathSetFromPaths tags each path with the default filters.
func PathSetFromPaths(paths []string) MonitoredPathSet {
	set := make(MonitoredPathSet, 0, len(paths))
	for _, p := range paths {
		set = append(set, PathRule{Path: p})
	}
	return set
}

func (s MonitoredPathSet) Validate() error {
	if len(s) == 0 {
		return errors.New("monitored path set is empty")
	}
	for i, rule := range s {
		if strings.TrimSpace(rule.Path) == "" {
			return fmt.Errorf("monitored path %d is empty", i)
		}
		clean := path.Clean(filepath.ToSlash(rule.Path))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("monitored path %q escapes the scan root", rule.Path)
		}
	}
	return nil
}

func (r PathRule) extensions() []string {
	if len(r.Extensions) == 0 {
		return DefaultExtensions
	}
	return r.Extensions
}

func (r PathRule) exclusions() []string {
	if r.Exclude == nil {
		return DefaultExclusions
	}
	return r.Exclude
}

// Allows applies the extension and exclusion filters to a root-relative,
// slash-separated path.
func (r PathRule) Allows(rel string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(rel)), ".")
	if ext == "" {
		return false
	}
	allowed := false
	for _, want := range r.extensions() {
		if strings.EqualFold(strings.TrimPrefix(want, "."), ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, exclude := range r.exclusions() {
		if exclude != "" && strings.Contains(rel, exclude) {
			return false
		}
	}
	return true
}

// Candidate is a file that passed its rule's filters, or a traversal error.
type Candidate struct {
	AbsPath string
	RelPath string
	Err     error
}

// Candidates lazily walks every rule under root and yields the files that
// pass the filters. Missing monitored entries are skipped. Each call starts
// a fresh traversal.
func Candidates(root string, set MonitoredPathSet) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for _, rule := range set {
			full := filepath.Join(root, filepath.FromSlash(rule.Path))
			info, err := os.Stat(full)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if !yield(Candidate{AbsPath: full, RelPath: relPath(root, full), Err: err}) {
					return
				}
				continue
			}
			if !info.IsDir() {
				rel := relPath(root, full)
				if info.Mode().IsRegular() && rule.Allows(rel) {
					if !yield(Candidate{AbsPath: full, RelPath: rel}) {
						return
					}
				}
				continue
			}
			stopped := false
			_ = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					if !yield(Candidate{AbsPath: p, RelPath: relPath(root, p), Err: err}) {
						stopped = true
						return filepath.SkipAll
					}
					return nil
				}
				if d.IsDir() {
					return nil
				}
				if d.Type()&fs.ModeSymlink != 0 {
					// Linked files count; linked directories are not descended.
					target, err := os.Stat(p)
					if errors.Is(err, fs.ErrNotExist) {
						return nil
					}
					if err != nil {
						if !yield(Candidate{AbsPath: p, RelPath: relPath(root, p), Err: err}) {
							stopped = true
							return filepath.SkipAll
						}
						return nil
					}
					if !target.Mode().IsRegular() {
						return nil
					}
				} else if !d.Type().IsRegular() {
					return nil
				}
				rel := relPath(root, p)
				if !rule.Allows(rel) {
					return nil
				}
				if !yield(Candidate{AbsPath: p, RelPath: rel}) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			})
			if stopped {
				return
			}
		}
	}
}

// FileRecord is a monitored file with its normalised content.
type FileRecord struct {
	Path    string
	Content string
}

// Scan reads and normalises every candidate. Files that normalise to the
// empty string are dropped; unreadable files are skipped and reported as
// file-system failures.
func Scan(root string, set MonitoredPathSet) ([]FileRecord, []*CheckError) {
	var (
		records  []FileRecord
		failures []*CheckError
	)
	for c := range Candidates(root, set) {
		if c.Err != nil {
			failures = append(failures, fileSystemError("walk", c.RelPath, c.Err))
			continue
		}
		raw, err := os.ReadFile(c.AbsPath)
		if err != nil {
			failures = append(failures, fileSystemError("read", c.RelPath, err))
			continue
		}
		content := Normalize(raw)
		if content == "" {
			continue
		}
		records = append(records, FileRecord{Path: c.RelPath, Content: content})
	}
	return records, failures
}

func relPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}
