package gateway

import "strings"

// MatchEndpoint reports whether path matches any allowlist pattern.
// Three pattern shapes are supported:
//
//	/api/v1/users     exact match
//	/api/v1/users/    prefix match (the path is under this subtree)
//	/api/v1/u*        wildcard match (everything before the trailing *)
//
// Matching is case-sensitive; paths are compared as received after
// normalizing a missing leading slash.
func MatchEndpoint(patterns []string, path string) bool {
	path = normalizePath(path)
	for _, pattern := range patterns {
		if matchOne(normalizePath(pattern), path) {
			return true
		}
	}
	return false
}

func matchOne(pattern, path string) bool {
	switch {
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	case strings.HasSuffix(pattern, "/"):
		// The subtree root itself also matches: pattern /a/b/ admits /a/b.
		return strings.HasPrefix(path, pattern) || path == pattern[:len(pattern)-1]
	default:
		return path == pattern
	}
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}
