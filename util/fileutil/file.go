package fileutil

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3" // register the s3:// scheme
)

var fileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(filename string) (data []byte, err error) {
	file, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, closeFile(file))
	}(file)

	buf := &bytes.Buffer{}
	if _, err = io.Copy(buf, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

// closeFile is CloseFile, replaced in tests.
var closeFile = CloseFile

func GetPathType(path string) string {
	switch {
	case strings.HasPrefix(path, "s3://"):
		return "S3"
	case strings.HasPrefix(path, "gs://"):
		return "GS"
	}
	return "os"
}

// IsRemote reports whether path points to an object store rather than the local file system.
func IsRemote(path string) bool {
	return GetPathType(path) != "os"
}

func OpenFile(filename string) (io.ReadCloser, error) {
	return fileSystem.OpenURL(context.Background(), filename)
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// An error is returned if there is an error with the
// buffered reader.
// This function is needed to avoid the 65K char line limit.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is remote, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	if len(elem) == 0 {
		return ""
	}
	if IsRemote(elem[0]) {
		basePath := strings.TrimSuffix(elem[0], "/")
		if len(elem) == 1 {
			return basePath
		}
		return basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	}
	return filepath.Join(elem...)
}

// ModelDirName converts a hub model id such as "org/name" or "org/name:v2.0" into the directory name
// used in the model cache. Revisions other than main are kept as an "@revision" suffix so that
// different revisions of a model never share a directory.
func ModelDirName(modelID string) string {
	name, revision, _ := strings.Cut(modelID, ":")
	name = strings.ReplaceAll(name, "/", "_")
	if revision == "" || revision == "main" {
		return name
	}
	return name + "@" + strings.ReplaceAll(revision, "/", "_")
}

func CopyFile(ctx context.Context, from string, to string) error {
	return fileSystem.Copy(ctx, from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

// ListFiles returns the paths, relative to dir, of all files below dir whose name ends with suffix.
func ListFiles(ctx context.Context, dir string, suffix string) ([]string, error) {
	var found []string
	root := strings.TrimSuffix(dir, "/")
	walker := func(_ context.Context, baseURL string, parent string, info os.FileInfo, _ io.Reader) (bool, error) {
		if info.IsDir() || !strings.HasSuffix(info.Name(), suffix) {
			return true, nil
		}
		found = append(found, relativePath(root, baseURL, parent, info.Name()))
		return true, nil
	}
	if err := fileSystem.Walk(ctx, dir, walker); err != nil {
		return nil, err
	}
	return found, nil
}

// relativePath turns a walk visit into a path relative to root. The parent handed to
// visitors is either relative to the walked URL or the absolute path of the containing folder.
func relativePath(root, baseURL, parent, name string) string {
	rootPath := filepath.ToSlash(root)
	if IsRemote(root) {
		rootPath = strings.TrimPrefix(rootPath, strings.TrimSuffix(baseURL, "/"))
	}
	rootPath = strings.Trim(rootPath, "/")
	rel := strings.Trim(filepath.ToSlash(parent), "/")
	if rootPath != "" && (rel == rootPath || strings.HasPrefix(rel, rootPath+"/")) {
		rel = strings.TrimPrefix(rel, rootPath)
	}
	return strings.TrimPrefix(path.Join(rel, name), "/")
}

func DeleteFile(filename string) error {
	return fileSystem.Delete(context.Background(), filename)
}

func CreateFile(fileName string, isDir bool) error {
	return fileSystem.Create(context.Background(), fileName, os.ModePerm, isDir)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// DirExists reports whether path exists and is a directory.
func DirExists(ctx context.Context, path string) (bool, error) {
	exists, err := fileSystem.Exists(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	object, err := fileSystem.Object(ctx, path)
	if err != nil {
		return false, err
	}
	return object.IsDir(), nil
}

func NewFileWriter(ctx context.Context, filename string) (io.WriteCloser, error) {
	exists, err := fileSystem.Exists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = fileSystem.Delete(ctx, filename); err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}

// CopyDir copies every file below src to dest, preserving the relative layout. dest may be
// any URL supported by afs, e.g. a local folder or an s3:// prefix.
func CopyDir(ctx context.Context, src string, dest string) (int, error) {
	files, err := ListFiles(ctx, src, "")
	if err != nil {
		return 0, err
	}
	for _, rel := range files {
		if err = CopyFile(ctx, PathJoinSafe(src, rel), PathJoinSafe(dest, rel)); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}
