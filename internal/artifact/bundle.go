// Package artifact turns a finished workspace into its deliverables: the
// list of output files with sizes and digests, the manifest describing them,
// and the result.zip bundle a client downloads.
package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/waaall/opencode-agent/internal/workspace"
)

// Entry describes one file included in a bundle. RelativePath is relative to
// the workspace root and uses forward slashes; it doubles as the archive
// member name.
type Entry struct {
	RelativePath string
	AbsolutePath string
	SizeBytes    int64
	SHA256       string
}

// ManifestFile is one file record inside a manifest.
type ManifestFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Manifest describes the contents of a result bundle. It lists the output
// and context files but not itself.
type Manifest struct {
	JobID       string         `json:"job_id"`
	SessionID   string         `json:"session_id"`
	GeneratedAt string         `json:"generated_at"`
	Files       []ManifestFile `json:"files"`
}

// contextFiles are bundled alongside the outputs when present so a bundle
// can be replayed offline.
var contextFiles = []string{
	"job/execution-plan.json",
	"job/request.md",
	"logs/opencode-last-message.md",
}

// Manager collects outputs and builds manifests and bundles.
type Manager struct{}

// NewManager returns a bundle Manager.
func NewManager() *Manager {
	return &Manager{}
}

// CollectOutputEntries walks outputs/ and returns every file with its size
// and digest, in stable lexical path order. A missing outputs directory
// yields an empty list, not an error.
func (m *Manager) CollectOutputEntries(workspaceDir string) ([]Entry, error) {
	outputsRoot := filepath.Join(workspaceDir, "outputs")
	entries := []Entry{}
	if _, err := os.Stat(outputsRoot); err != nil {
		return entries, nil
	}

	err := filepath.WalkDir(outputsRoot, func(target string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspaceDir, target)
		if err != nil {
			return err
		}
		digest, err := workspace.SHA256File(target)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(rel),
			AbsolutePath: target,
			SizeBytes:    info.Size(),
			SHA256:       digest,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: collect outputs: %w", err)
	}
	return entries, nil
}

// BuildManifest assembles the manifest for the current outputs plus any
// extra entries the caller wants listed.
func (m *Manager) BuildManifest(jobID, sessionID, workspaceDir string, extraEntries []Entry) (*Manifest, error) {
	entries, err := m.CollectOutputEntries(workspaceDir)
	if err != nil {
		return nil, err
	}
	entries = append(entries, extraEntries...)

	files := make([]ManifestFile, 0, len(entries))
	for _, entry := range entries {
		files = append(files, ManifestFile{
			Path:      entry.RelativePath,
			SizeBytes: entry.SizeBytes,
			SHA256:    entry.SHA256,
		})
	}
	return &Manifest{
		JobID:       jobID,
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Files:       files,
	}, nil
}

// BuildBundle writes bundle/manifest.json and bundle/result.zip and returns
// the bundle path with the manifest it packed. The archive holds the outputs
// first, then the context files, then manifest.json at the archive root; the
// listed digests are taken from the very bytes that get archived.
func (m *Manager) BuildBundle(workspaceDir, jobID, sessionID string) (string, *Manifest, error) {
	bundleDir := filepath.Join(workspaceDir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("artifact: create bundle dir: %w", err)
	}
	bundlePath := filepath.Join(bundleDir, "result.zip")

	extraFiles := []Entry{}
	for _, relative := range contextFiles {
		target := filepath.Join(workspaceDir, filepath.FromSlash(relative))
		info, err := os.Stat(target)
		if err != nil || info.IsDir() {
			continue
		}
		digest, err := workspace.SHA256File(target)
		if err != nil {
			return "", nil, fmt.Errorf("artifact: hash %s: %w", relative, err)
		}
		extraFiles = append(extraFiles, Entry{
			RelativePath: relative,
			AbsolutePath: target,
			SizeBytes:    info.Size(),
			SHA256:       digest,
		})
	}

	manifest, err := m.BuildManifest(jobID, sessionID, workspaceDir, extraFiles)
	if err != nil {
		return "", nil, err
	}
	manifestBytes, err := encodeManifest(manifest)
	if err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return "", nil, fmt.Errorf("artifact: write manifest: %w", err)
	}

	outputs, err := m.CollectOutputEntries(workspaceDir)
	if err != nil {
		return "", nil, err
	}
	if err := writeBundle(bundlePath, append(outputs, extraFiles...), manifestBytes); err != nil {
		return "", nil, err
	}
	return bundlePath, manifest, nil
}

func writeBundle(bundlePath string, entries []Entry, manifestBytes []byte) (err error) {
	f, err := os.Create(bundlePath)
	if err != nil {
		return fmt.Errorf("artifact: create bundle: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("artifact: close bundle: %w", cerr)
		}
	}()

	zw := zip.NewWriter(f)
	for _, entry := range entries {
		if err := addToZip(zw, entry); err != nil {
			zw.Close()
			return err
		}
	}
	w, err := zw.Create("manifest.json")
	if err != nil {
		zw.Close()
		return fmt.Errorf("artifact: add manifest member: %w", err)
	}
	if _, err := w.Write(manifestBytes); err != nil {
		zw.Close()
		return fmt.Errorf("artifact: write manifest member: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("artifact: finalize bundle: %w", err)
	}
	return nil
}

func addToZip(zw *zip.Writer, entry Entry) error {
	src, err := os.Open(entry.AbsolutePath)
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", entry.RelativePath, err)
	}
	defer src.Close()

	w, err := zw.Create(entry.RelativePath)
	if err != nil {
		return fmt.Errorf("artifact: add %s: %w", entry.RelativePath, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("artifact: write %s: %w", entry.RelativePath, err)
	}
	return nil
}

func encodeManifest(manifest *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("artifact: encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}
