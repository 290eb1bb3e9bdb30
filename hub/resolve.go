package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/optimum/util/fileutil"
)

// Source tells where a resolved model was found.
type Source string

const (
	SourceLocal Source = "local"
	SourceCache Source = "cache"
	SourceHub   Source = "hub"
)

// ResolveOptions controls Resolve.
type ResolveOptions struct {
	CacheDir string
	Download DownloadOptions
	// Offline disables hub downloads.
	Offline bool
}

// Resolved is the outcome of Resolve. Path is empty when the hub repository has no ONNX graph.
type Resolved struct {
	Ref     string
	Path    string
	Source  Source
	HasOnnx bool
}

// DefaultCacheDir is $OPTIMUM_CACHE, or $HOME/.cache/optimum/models.
func DefaultCacheDir() string {
	if dir := os.Getenv("OPTIMUM_CACHE"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "optimum", "models")
	}
	return filepath.Join(home, ".cache", "optimum", "models")
}

// CachePath is the directory a model id is stored under in cacheDir.
func CachePath(cacheDir string, ref string) string {
	return fileutil.PathJoinSafe(cacheDir, fileutil.ModelDirName(ref))
}

// Resolve finds the directory holding the model ref. A ref naming an existing local directory or
// afs URL is used as is; a hub id is looked up in the cache and downloaded into it when missing.
// A hub repository without an ONNX graph resolves with HasOnnx false and an error wrapping ErrNoOnnx.
func Resolve(ctx context.Context, ref string, options ResolveOptions) (Resolved, error) {
	if ref == "" {
		return Resolved{}, fmt.Errorf("%w: empty model reference", ErrModelNotFound)
	}
	if options.CacheDir == "" {
		options.CacheDir = DefaultCacheDir()
	}
	resolved := Resolved{Ref: ref}

	exists, err := fileutil.DirExists(ctx, ref)
	if err != nil && !looksLikeHubID(ref) {
		return resolved, err
	}
	if exists {
		resolved.Path, resolved.Source = ref, SourceLocal
		return withOnnx(ctx, resolved)
	}
	if !looksLikeHubID(ref) {
		return resolved, fmt.Errorf("%w: %s does not exist", ErrModelNotFound, ref)
	}

	ref = RefWithRevision(ref, options.Download.Revision)
	cached := CachePath(options.CacheDir, ref)
	if exists, err = fileutil.DirExists(ctx, cached); err != nil {
		return resolved, err
	}
	if exists {
		resolved.Path, resolved.Source = cached, SourceCache
		log.Debug().Str("model", ref).Str("path", cached).Msg("model found in cache")
		return withOnnx(ctx, resolved)
	}
	if options.Offline {
		return resolved, fmt.Errorf("%w: %s is not cached and downloads are disabled", ErrModelNotFound, ref)
	}

	if options.Download.MaxRetries == 0 {
		download := NewDownloadOptions()
		download.AuthToken = options.Download.AuthToken
		download.OnnxFilePath = options.Download.OnnxFilePath
		download.ExternalDataPath = options.Download.ExternalDataPath
		download.Verbose = options.Download.Verbose
		if options.Download.Revision != "" {
			download.Revision = options.Download.Revision
		}
		options.Download = download
	}
	log.Info().Str("model", ref).Str("cache", options.CacheDir).Msg("downloading model from the hub")
	resolved.Source = SourceHub
	resolved.Path, err = Download(ctx, ref, options.CacheDir, options.Download)
	if err != nil {
		if errors.Is(err, ErrNoOnnx) {
			resolved.Path = ""
		}
		return resolved, err
	}
	resolved.HasOnnx = true
	return resolved, nil
}

func withOnnx(ctx context.Context, resolved Resolved) (Resolved, error) {
	onnxFiles, err := fileutil.ListFiles(ctx, resolved.Path, ".onnx")
	if err != nil {
		return resolved, err
	}
	resolved.HasOnnx = len(onnxFiles) > 0
	return resolved, nil
}

// RefWithRevision pins a hub id to revision, replacing any ":revision" suffix it carries. The main
// revision is the default and leaves ref unchanged, as do refs that are not hub ids.
func RefWithRevision(ref string, revision string) string {
	if revision == "" || revision == "main" || !looksLikeHubID(ref) {
		return ref
	}
	name, _, _ := strings.Cut(ref, ":")
	return name + ":" + revision
}

// looksLikeHubID reports whether ref has the shape of a hub model id such as "bert-base-cased" or
// "org/name", optionally with a ":revision" suffix, rather than a file system path or URL.
func looksLikeHubID(ref string) bool {
	if strings.Contains(ref, "://") || filepath.IsAbs(ref) || strings.HasPrefix(ref, ".") || strings.HasPrefix(ref, "~") {
		return false
	}
	name := strings.Split(ref, ":")[0]
	return name != "" && strings.Count(name, "/") <= 1 && !strings.HasSuffix(name, "/")
}
