package githubevent

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultExtensions is the allow-list used when a repository has no patterns.
var DefaultExtensions = []string{".py", ".js", ".ts", ".jsx", ".tsx", ".java", ".cpp", ".h", ".cs", ".go", ".rb"}

// Filter decides which paths are eligible for processing. Patterns are
// anchored at the start of the path. A nil Filter uses DefaultExtensions.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewFilter compiles include and exclude patterns. With both lists empty it
// returns nil, which selects the default extensions.
func NewFilter(include, exclude []string) (*Filter, error) {
	include = nonEmpty(include)
	exclude = nonEmpty(exclude)
	if len(include) == 0 && len(exclude) == 0 {
		return nil, nil
	}
	f := &Filter{}
	var err error
	if f.include, err = compileAnchored(include); err != nil {
		return nil, fmt.Errorf("include pattern: %w", err)
	}
	if f.exclude, err = compileAnchored(exclude); err != nil {
		return nil, fmt.Errorf("exclude pattern: %w", err)
	}
	return f, nil
}

// ShouldProcess reports whether path is eligible. Exclusion wins over inclusion.
func (f *Filter) ShouldProcess(path string) bool {
	if f == nil {
		for _, ext := range DefaultExtensions {
			if strings.HasSuffix(path, ext) {
				return true
			}
		}
		return false
	}
	if len(f.include) > 0 && !matchAny(f.include, path) {
		return false
	}
	return !matchAny(f.exclude, path)
}

func compileAnchored(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(`^(?:` + pattern + `)`)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			out = append(out, value)
		}
	}
	return out
}
