// Package policy implements the automatic approval rules applied to runtime
// permission requests: command blacklisting, workspace path confinement and
// per-permission-kind defaults. Every decision is final — there is no human
// in the loop.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Reply values understood by the runtime's permission reply endpoint.
const (
	ReplyOnce   = "once"
	ReplyAlways = "always"
	ReplyReject = "reject"
)

// Decision is the outcome for one permission request. Message is empty for
// approvals and explains the rule that fired for rejections.
type Decision struct {
	Reply   string
	Message string
}

// Request carries the fields of a runtime permission request the engine
// rules on.
type Request struct {
	Permission string
	Patterns   []string
	Metadata   map[string]any
}

// Engine decides permission requests against a fixed rule set.
type Engine struct {
	dangerousTokens []string
}

// NewEngine returns an Engine with the built-in command blacklist.
func NewEngine() *Engine {
	return &Engine{
		dangerousTokens: []string{
			"sudo ",
			"rm -rf /",
			"mkfs",
			"shutdown",
			"reboot",
			"curl ",
			"wget ",
			"scp ",
			"ssh ",
		},
	}
}

// Decide applies the rules in fixed order: dangerous command, workspace
// escape, then the permission-kind default. File-flavored permissions are
// approved for one use; shell permissions without a blacklisted command are
// still rejected because shell access is not whitelisted; everything else
// passes once.
func (e *Engine) Decide(req Request, workspaceDir string) Decision {
	permission := strings.ToLower(req.Permission)

	command := ""
	if raw, ok := req.Metadata["command"]; ok && raw != nil {
		command = strings.ToLower(fmt.Sprint(raw))
	}
	for _, token := range e.dangerousTokens {
		if strings.Contains(command, token) {
			return Decision{Reply: ReplyReject, Message: "rejected by security policy: dangerous command"}
		}
	}

	for _, pattern := range req.Patterns {
		if looksLikePath(pattern) && !pathInWorkspace(pattern, workspaceDir) {
			return Decision{Reply: ReplyReject, Message: "rejected by security policy: outside workspace"}
		}
	}

	if strings.Contains(permission, "edit") || strings.Contains(permission, "write") || strings.Contains(permission, "file") {
		return Decision{Reply: ReplyOnce}
	}
	if strings.Contains(permission, "shell") {
		return Decision{Reply: ReplyReject, Message: "rejected by security policy: shell not whitelisted"}
	}
	return Decision{Reply: ReplyOnce}
}

// looksLikePath reports whether a pattern plausibly names a filesystem path
// rather than, say, a tool name.
func looksLikePath(value string) bool {
	return strings.Contains(value, "/") || strings.HasPrefix(value, ".")
}

// pathInWorkspace reports whether the pattern resolves inside the workspace
// root. Relative patterns are anchored at the root; the comparison is lexical
// so `..` segments cannot escape.
func pathInWorkspace(value, workspaceDir string) bool {
	root, err := filepath.Abs(workspaceDir)
	if err != nil {
		return false
	}
	candidate := value
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	} else {
		candidate = filepath.Clean(candidate)
	}
	return candidate == root || strings.HasPrefix(candidate, root+string(filepath.Separator))
}
