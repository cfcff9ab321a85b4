// ABOUTME: Workspace path detection heuristic applied to tool result text.
// ABOUTME: Pure candidate extraction kept separate from the dispatch pipeline for testability.

package relay

import "regexp"

// workspacePattern matches an absolute path rooted in a directory where
// workspaces live. Trailing punctuation that commonly follows a path in tool
// output (quotes, colons, commas) is excluded from the match.
var workspacePattern = regexp.MustCompile(`(^|\s|["'=])(/(?:home|Users|workspace|workspaces|srv|opt|var)/[^\s"':,)\]]+)`)

// extractCandidatePath scans tool result text for a recognizable workspace
// path. Returns the first candidate and true, or "" and false when the text
// contains none. Pure function: no filesystem access, no side effects.
func extractCandidatePath(text string) (string, bool) {
	m := workspacePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[2], true
}
