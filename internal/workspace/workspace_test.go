package workspace_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waaall/opencode-agent/internal/workspace"
)

func newManager(t *testing.T, maxUpload int64) (*workspace.Manager, string) {
	t.Helper()
	m := workspace.NewManager(t.TempDir(), maxUpload)
	dir, err := m.Create("job-1")
	require.NoError(t, err)
	return m, dir
}

func TestCreateBuildsStandardLayout(t *testing.T) {
	_, dir := newManager(t, 1<<20)

	for _, segment := range []string{"job", "inputs", "outputs", "logs", "bundle"} {
		info, err := os.Stat(filepath.Join(dir, segment))
		require.NoError(t, err, segment)
		assert.True(t, info.IsDir(), segment)
	}
}

func TestSanitizeFilename(t *testing.T) {
	m := workspace.NewManager(t.TempDir(), 1<<20)

	cases := map[string]string{
		"report.md":         "report.md",
		"../../etc/passwd":  "passwd",
		"weird name!.txt":   "weird_name_.txt",
		"  padded.csv  ":    "padded.csv",
		"":                  "upload.bin",
		".":                 "upload.bin",
		"..":                "upload.bin",
		"中文报表.xlsx":          "_.xlsx",
		"a/b/c/notes.final": "notes.final",
	}
	for input, want := range cases {
		assert.Equal(t, want, m.SanitizeFilename(input), "input %q", input)
	}
}

func TestStoreInputFileRejectsEmptyUpload(t *testing.T) {
	m, dir := newManager(t, 1<<20)

	_, err := m.StoreInputFile(dir, "notes.txt", nil, "text/plain")

	assert.EqualError(t, err, "empty upload is not allowed: notes.txt")
}

func TestStoreInputFileEnforcesSizeLimit(t *testing.T) {
	m, dir := newManager(t, 4)

	stored, err := m.StoreInputFile(dir, "ok.bin", []byte("1234"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.SizeBytes)

	_, err = m.StoreInputFile(dir, "big.bin", []byte("12345"), "")
	assert.EqualError(t, err, "file exceeds size limit: big.bin")
}

func TestStoreInputFileComputesDigest(t *testing.T) {
	m, dir := newManager(t, 1<<20)

	stored, err := m.StoreInputFile(dir, "notes.txt", []byte("hello\n"), "text/plain")

	require.NoError(t, err)
	assert.Equal(t, "inputs/notes.txt", stored.RelativePath)
	assert.Equal(t, int64(6), stored.SizeBytes)
	assert.Equal(t, "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03", stored.SHA256)
	assert.Equal(t, filepath.Join(dir, "inputs", "notes.txt"), stored.AbsolutePath)
}

func TestStoreInputFileResolvesNameCollisions(t *testing.T) {
	m, dir := newManager(t, 1<<20)

	first, err := m.StoreInputFile(dir, "data.csv", []byte("a,b\n"), "text/csv")
	require.NoError(t, err)
	second, err := m.StoreInputFile(dir, "data.csv", []byte("c,d\n"), "text/csv")
	require.NoError(t, err)
	third, err := m.StoreInputFile(dir, "data.csv", []byte("e,f\n"), "text/csv")
	require.NoError(t, err)

	assert.Equal(t, "inputs/data.csv", first.RelativePath)
	assert.Equal(t, "inputs/data_1.csv", second.RelativePath)
	assert.Equal(t, "inputs/data_2.csv", third.RelativePath)

	content, err := os.ReadFile(first.AbsolutePath)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(content))
}

func TestWriteRequestMarkdownTrimsAndTerminates(t *testing.T) {
	m, dir := newManager(t, 1<<20)

	target, err := m.WriteRequestMarkdown(dir, "  help me  \n\n")

	require.NoError(t, err)
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "help me\n", string(content))
}

func TestWriteExecutionPlanRoundTrips(t *testing.T) {
	m, dir := newManager(t, 1<<20)
	plan := map[string]any{
		"schema_version": "1.0.0",
		"selected_skill": "general-default",
		"hints":          map[string]any{"write_readme_for_assumptions": true},
	}

	target, err := m.WriteExecutionPlan(dir, plan)

	require.NoError(t, err)
	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "general-default", decoded["selected_skill"])
}

func TestSHA256FileMatchesBytes(t *testing.T) {
	m, dir := newManager(t, 1<<20)
	stored, err := m.StoreInputFile(dir, "blob.bin", []byte("content under test"), "")
	require.NoError(t, err)

	fromFile, err := workspace.SHA256File(stored.AbsolutePath)

	require.NoError(t, err)
	assert.Equal(t, stored.SHA256, fromFile)
}

func TestRemoveDeletesWorkspace(t *testing.T) {
	m, dir := newManager(t, 1<<20)

	require.NoError(t, m.Remove("job-1"))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, m.Remove("job-1"))
}
