package tools

import (
	"bufio"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ignoreFiles are read from the workspace root, in order.
var ignoreFiles = []string{".gitignore", ".shiplineignore"}

// alwaysIgnored is applied on top of any ignore file.
var alwaysIgnored = []string{".git/"}

// ignoreRule is one gitignore-style line. Negations are not supported.
type ignoreRule struct {
	glob     string
	dirOnly  bool
	anchored bool
}

// ignoreSet matches workspace-relative slash paths.
type ignoreSet struct {
	rules []ignoreRule
}

// loadIgnore reads the ignore files under root. Missing files are skipped.
func loadIgnore(root string) (*ignoreSet, error) {
	s := &ignoreSet{}
	seen := make(map[string]bool)
	add := func(line string) {
		if r, ok := parseIgnoreLine(line); ok && !seen[line] {
			seen[line] = true
			s.rules = append(s.rules, r)
		}
	}
	for _, line := range alwaysIgnored {
		add(line)
	}
	for _, name := range ignoreFiles {
		f, err := os.Open(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			add(sc.Text())
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// parseIgnoreLine returns false for blanks, comments and negations.
func parseIgnoreLine(line string) (ignoreRule, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ignoreRule{}, false
	}
	var r ignoreRule
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	// A slash anywhere but the end anchors the pattern to the root.
	if strings.Contains(line, "/") {
		r.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" {
		return ignoreRule{}, false
	}
	r.glob = line
	return r, true
}

// Match reports whether rel, a slash-separated workspace path, is ignored.
func (s *ignoreSet) Match(rel string, isDir bool) bool {
	base := path.Base(rel)
	for _, r := range s.rules {
		if r.dirOnly && !isDir {
			continue
		}
		target := base
		if r.anchored {
			target = rel
		}
		if ok, _ := path.Match(r.glob, target); ok {
			return true
		}
	}
	return false
}
