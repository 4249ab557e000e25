// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-linter checks translation keys. It scans the Go sources for i18n.T
// calls and compares the keys against the YAML locale files: keys used in
// code must exist in the primary locale, every locale must carry the same
// keys, and keys nothing uses are reported as orphans.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
	projectRoot   = "."
)

// Report lists the problems found by lint.
type Report struct {
	Undefined []string            // used in code, absent from the primary locale
	Missing   map[string][]string // locale file -> keys it lacks
	Orphaned  []string            // in the primary locale, never used
}

// Failed reports whether the report contains errors. Orphans only warn.
func (r *Report) Failed() bool {
	return len(r.Undefined) > 0 || len(r.Missing) > 0
}

func main() {
	rep, err := lint(projectRoot, localesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "i18n-linter: %v\n", err)
		os.Exit(1)
	}
	rep.print(os.Stdout)
	if rep.Failed() {
		os.Exit(1)
	}
}

func lint(root, locales string) (*Report, error) {
	used, err := findUsedKeys(root)
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	primary, err := loadKeysFromLocale(filepath.Join(locales, primaryLocale))
	if err != nil {
		return nil, fmt.Errorf("load primary locale: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(locales, "*.yaml"))
	if err != nil {
		return nil, err
	}

	rep := &Report{Missing: map[string][]string{}}
	rep.Undefined = difference(used, primary)
	rep.Orphaned = difference(primary, used)
	for _, f := range files {
		if filepath.Base(f) == primaryLocale {
			continue
		}
		keys, err := loadKeysFromLocale(f)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		if missing := difference(primary, keys); len(missing) > 0 {
			rep.Missing[filepath.Base(f)] = missing
		}
	}
	return rep, nil
}

func (r *Report) print(w io.Writer) {
	section := func(title string, keys []string) {
		_, _ = fmt.Fprintf(w, "--- %s ---\n", title)
		if len(keys) == 0 {
			_, _ = fmt.Fprintln(w, "  none")
		}
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  - %s\n", k)
		}
	}
	section("Undefined keys (used in code, missing from "+primaryLocale+")", r.Undefined)
	names := make([]string, 0, len(r.Missing))
	for n := range r.Missing {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		section("Missing keys in "+n, r.Missing[n])
	}
	section("Orphaned keys", r.Orphaned)
}

// difference returns the sorted keys of a that are not in b.
func difference(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

var usedKeyRE = regexp.MustCompile(`i18n\.T\(\s*"([^"]+)"`)

// findUsedKeys scans non-test .go files below root for i18n.T("key") calls.
func findUsedKeys(root string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case "tools", "_examples", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, m := range usedKeyRE.FindAllStringSubmatch(string(content), -1) {
			keys[m[1]] = struct{}{}
		}
		return nil
	})
	return keys, err
}

// loadKeysFromLocale reads a YAML locale file and returns its keys, with
// nested maps flattened to dot-separated keys.
func loadKeysFromLocale(path string) (map[string]struct{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	flattenYAML("", data, keys)
	return keys, nil
}

func flattenYAML(prefix string, node any, keys map[string]struct{}) {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			next := k
			if prefix != "" {
				next = prefix + "." + k
			}
			flattenYAML(next, val, keys)
		}
	default:
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
	}
}
