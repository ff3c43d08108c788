// Package workspace owns the on-disk layout of a job: the standard directory
// skeleton, safe storage of uploaded input files, and the job metadata files
// (request.md, execution-plan.json, the captured last runtime message).
//
// Layout under <data root>/<job id>/:
//
//	job/     request.md, execution-plan.json, skill runtime config
//	inputs/  uploaded files, sanitized names
//	outputs/ written by the runtime only
//	logs/    opencode-last-message.md
//	bundle/  result.zip and manifest.json
package workspace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var filenameSafeRE = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SHA256Bytes returns the lowercase hex SHA-256 digest of content.
func SHA256Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SHA256File returns the lowercase hex SHA-256 digest of the file at target,
// streaming the content so large files never sit in memory at once.
func SHA256File(target string) (string, error) {
	f, err := os.Open(target)
	if err != nil {
		return "", fmt.Errorf("workspace: open %s: %w", target, err)
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("workspace: hash %s: %w", target, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// StoredFile describes an input file after it has been written into the
// workspace. RelativePath always uses forward slashes and is relative to the
// workspace root.
type StoredFile struct {
	RelativePath string
	AbsolutePath string
	SizeBytes    int64
	SHA256       string
	MimeType     string
}

// Manager creates and tears down job workspaces under a single data root.
type Manager struct {
	dataRoot          string
	maxUploadFileSize int64
}

// NewManager returns a Manager rooted at dataRoot. Uploads larger than
// maxUploadFileSizeBytes are rejected by StoreInputFile.
func NewManager(dataRoot string, maxUploadFileSizeBytes int64) *Manager {
	return &Manager{dataRoot: dataRoot, maxUploadFileSize: maxUploadFileSizeBytes}
}

// Dir returns the workspace directory for a job without creating it.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.dataRoot, jobID)
}

// Create builds the standard workspace skeleton and returns its root.
// Creating an existing workspace is a no-op, which is what makes idempotent
// job creation safe to replay.
func (m *Manager) Create(jobID string) (string, error) {
	root := m.Dir(jobID)
	for _, segment := range []string{"job", "inputs", "outputs", "logs", "bundle"} {
		if err := os.MkdirAll(filepath.Join(root, segment), 0o755); err != nil {
			return "", fmt.Errorf("workspace: create %s/: %w", segment, err)
		}
	}
	return root, nil
}

// SanitizeFilename reduces an uploaded filename to its base name and replaces
// every run of characters outside [a-zA-Z0-9._-] with a single underscore.
// Names that sanitize away entirely become "upload.bin".
func (m *Manager) SanitizeFilename(filename string) string {
	name := strings.TrimSpace(filepath.Base(filename))
	switch name {
	case ".", "..", string(filepath.Separator):
		name = ""
	}
	name = filenameSafeRE.ReplaceAllString(name, "_")
	if name == "" {
		return "upload.bin"
	}
	return name
}

// StoreInputFile writes one uploaded file into inputs/ and returns its
// metadata. Empty and oversized uploads are rejected with the original
// filename in the message. A name collision appends _1, _2, ... before the
// extension so parallel uploads never overwrite each other.
func (m *Manager) StoreInputFile(workspaceDir, filename string, content []byte, mimeType string) (*StoredFile, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("empty upload is not allowed: %s", filename)
	}
	if int64(len(content)) > m.maxUploadFileSize {
		return nil, fmt.Errorf("file exceeds size limit: %s", filename)
	}

	safeName := m.SanitizeFilename(filename)
	target := filepath.Join(workspaceDir, "inputs", safeName)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(safeName)
		stem := strings.TrimSuffix(safeName, ext)
		for idx := 1; ; idx++ {
			candidate := filepath.Join(workspaceDir, "inputs", fmt.Sprintf("%s_%d%s", stem, idx, ext))
			if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
				target = candidate
				break
			}
		}
	}

	if err := os.WriteFile(target, content, 0o644); err != nil {
		return nil, fmt.Errorf("workspace: store input file: %w", err)
	}
	return &StoredFile{
		RelativePath: path.Join("inputs", filepath.Base(target)),
		AbsolutePath: target,
		SizeBytes:    int64(len(content)),
		SHA256:       SHA256Bytes(content),
		MimeType:     mimeType,
	}, nil
}

// WriteRequestMarkdown writes the trimmed requirement to job/request.md with
// a single trailing newline.
func (m *Manager) WriteRequestMarkdown(workspaceDir, requirement string) (string, error) {
	target := filepath.Join(workspaceDir, "job", "request.md")
	content := strings.TrimSpace(requirement) + "\n"
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("workspace: write request.md: %w", err)
	}
	return target, nil
}

// WriteExecutionPlan writes the plan to job/execution-plan.json as indented
// JSON, non-ASCII text kept as-is, terminated by a newline.
func (m *Manager) WriteExecutionPlan(workspaceDir string, plan map[string]any) (string, error) {
	target := filepath.Join(workspaceDir, "job", "execution-plan.json")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plan); err != nil {
		return "", fmt.Errorf("workspace: encode execution plan: %w", err)
	}
	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("workspace: write execution plan: %w", err)
	}
	return target, nil
}

// WriteLastMessage stores the final runtime message verbatim under
// logs/opencode-last-message.md.
func (m *Manager) WriteLastMessage(workspaceDir, content string) (string, error) {
	target := filepath.Join(workspaceDir, "logs", "opencode-last-message.md")
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("workspace: write last message: %w", err)
	}
	return target, nil
}

// Remove deletes the whole workspace of a job. Removing a workspace that is
// already gone is not an error.
func (m *Manager) Remove(jobID string) error {
	if err := os.RemoveAll(m.Dir(jobID)); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", jobID, err)
	}
	return nil
}
