package fileutil

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, "s3://bucket/models/a/model.onnx", PathJoinSafe("s3://bucket/models/", "a", "model.onnx"))
	assert.Equal(t, filepath.Join("/tmp", "a", "b"), PathJoinSafe("/tmp", "a", "b"))
	assert.Equal(t, "", PathJoinSafe())
}

func TestModelDirName(t *testing.T) {
	assert.Equal(t, "KnightsAnalytics_all-MiniLM-L6-v2", ModelDirName("KnightsAnalytics/all-MiniLM-L6-v2"))
	assert.Equal(t, "org_name", ModelDirName("org/name:main"))
	assert.Equal(t, "org_name@v2.0", ModelDirName("org/name:v2.0"))
	assert.Equal(t, "org_name@refs_pr_1", ModelDirName("org/name:refs/pr/1"))
	assert.Equal(t, "distilgpt2", ModelDirName("distilgpt2"))
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, "onnx/model.onnx", relativePath("/tmp/m", "file://localhost", "/tmp/m/onnx", "model.onnx"))
	assert.Equal(t, "model.onnx", relativePath("/tmp/m", "file://localhost", "/tmp/m", "model.onnx"))
	assert.Equal(t, "onnx/model.onnx", relativePath("/tmp/m", "file://localhost", "onnx", "model.onnx"))
	assert.Equal(t, "sub/model.onnx", relativePath("s3://bucket/models/m", "s3://bucket", "/models/m/sub", "model.onnx"))
}

func TestListCopyAndDirExists(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "onnx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "onnx", "model.onnx"), []byte("graph"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte("{}"), 0o600))

	onnx, err := ListFiles(ctx, src, ".onnx")
	require.NoError(t, err)
	assert.Equal(t, []string{"onnx/model.onnx"}, onnx)

	all, err := ListFiles(ctx, src, "")
	require.NoError(t, err)
	sort.Strings(all)
	assert.Equal(t, []string{"config.json", "onnx/model.onnx"}, all)

	isDir, err := DirExists(ctx, src)
	require.NoError(t, err)
	assert.True(t, isDir)
	isDir, err = DirExists(ctx, filepath.Join(src, "config.json"))
	require.NoError(t, err)
	assert.False(t, isDir)

	dest := filepath.Join(t.TempDir(), "copy")
	n, err := CopyDir(ctx, src, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	data, err := ReadFileBytes(filepath.Join(dest, "onnx", "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "graph", string(data))
}

func TestReadLine(t *testing.T) {
	long := strings.Repeat("x", 100000)
	r := bufio.NewReaderSize(strings.NewReader(long+"\nshort\n"), 16)
	line, err := ReadLine(r)
	require.NoError(t, err)
	assert.Len(t, line, 100000)
	line, err = ReadLine(r)
	require.NoError(t, err)
	assert.Equal(t, "short", string(line))
}

func TestReadFileBytesReportsCloseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o600))

	data, err := ReadFileBytes(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("onnx"), data)

	original := closeFile
	closeFile = func(file io.Closer) error {
		return errors.Join(file.Close(), errors.New("close failed"))
	}
	t.Cleanup(func() { closeFile = original })
	_, err = ReadFileBytes(path)
	assert.ErrorContains(t, err, "close failed")
}
