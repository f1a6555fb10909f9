package storage

import (
	"fmt"
	"strings"
)

// CleanPath normalizes a caller-supplied path into a pool-relative slash path
// without leading or trailing separators. The pool root is "". Any ".."
// segment is rejected so a path can never leave the pool root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: NUL byte in %q", ErrInvalidPath, p)
	}

	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, seg := range parts {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q escapes the pool root", ErrInvalidPath, p)
		}
		out = append(out, seg)
	}
	return strings.Join(out, "/"), nil
}

// JoinPath joins a cleaned directory and a child name.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// IsWithin reports whether p equals dir or lies beneath it. Both must be cleaned.
func IsWithin(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
