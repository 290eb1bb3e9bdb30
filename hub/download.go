package hub

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/optimum/util/fileutil"
)

var (
	// ErrNoOnnx is returned for repositories that hold a checkpoint but no exported .onnx graph.
	ErrNoOnnx = errors.New("model repository has no .onnx file")
	// ErrModelNotFound is returned when a model reference resolves to nothing.
	ErrModelNotFound = errors.New("model not found")
)

// companionFiles are downloaded next to the graph when the repository has them.
var companionFiles = []string{
	"tokenizer.json",
	"config.json",
	"special_tokens_map.json",
	"tokenizer_config.json",
	"vocab.txt",
	"preprocessor_config.json",
}

// DownloadOptions is a struct of options that can be passed to Download.
type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	ExternalDataPath      string
	Revision              string
	MaxRetries            int
	RetryInterval         time.Duration
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Revision:              "main",
		MaxRetries:            5,
		RetryInterval:         5 * time.Second,
		ConcurrentConnections: 5,
	}
}

// repository is the part of the hub client used by Download.
type repository interface {
	ListFiles() ([]string, error)
	DownloadFiles(files ...string) ([]string, error)
}

type hfRepository struct {
	repo *hub.Repo
}

func (r *hfRepository) ListFiles() ([]string, error) {
	if err := r.repo.DownloadInfo(false); err != nil {
		return nil, err
	}
	var names []string
	for fileName, err := range r.repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		names = append(names, fileName)
	}
	return names, nil
}

func (r *hfRepository) DownloadFiles(files ...string) ([]string, error) {
	return r.repo.DownloadFiles(files...)
}

// newRepository opens a hub repository. Replaced in tests.
var newRepository = func(modelID string, options DownloadOptions) repository {
	repo := hub.New(modelID)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Revision != "" {
		repo.WithRevision(options.Revision)
	}
	return &hfRepository{repo: repo}
}

// Download fetches the ONNX graph of modelID and its tokenizer and config files from the
// Hugging Face Hub into destination/<org_name>, and returns that directory.
func Download(ctx context.Context, modelID string, destination string, options DownloadOptions) (string, error) {
	if modelID == "" {
		return "", fmt.Errorf("%w: empty model id", ErrModelNotFound)
	}
	modelID = RefWithRevision(modelID, options.Revision)
	modelPath := fileutil.PathJoinSafe(destination, fileutil.ModelDirName(modelID))
	repoID, revision, found := strings.Cut(modelID, ":")
	if found && revision != "" {
		options.Revision = revision
	}
	repo := newRepository(repoID, options)

	var names []string
	err := retry(ctx, options, "list "+modelID, func() error {
		var listErr error
		names, listErr = repo.ListFiles()
		return listErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: listing %s: %w", ErrModelNotFound, modelID, err)
	}
	files, err := SelectFiles(names, options)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var downloadPaths []string
	err = retry(ctx, options, "download "+modelID, func() error {
		var downloadErr error
		downloadPaths, downloadErr = repo.DownloadFiles(files...)
		return downloadErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", modelID, err)
	}
	for j, downloadPath := range downloadPaths {
		truePath, symErr := filepath.EvalSymlinks(downloadPath)
		if symErr != nil {
			return "", symErr
		}
		if copyErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(files[j]))); copyErr != nil {
			return "", copyErr
		}
	}
	log.Info().Str("model", modelID).Str("path", modelPath).Int("files", len(files)).Dur("took", time.Since(start)).Msg("downloaded model")
	return modelPath, nil
}

// retry runs fn up to MaxRetries times, waiting RetryInterval between attempts.
func retry(ctx context.Context, options DownloadOptions, action string, fn func() error) error {
	attempts := max(options.MaxRetries, 1)
	var err error
	for i := range attempts {
		if err = fn(); err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("of", attempts).Msg(action + " failed")
		if i+1 == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(options.RetryInterval):
		}
	}
	return err
}

// SelectFiles picks the files of a repository listing that a pipeline needs: one .onnx graph, its external
// data if any, and the tokenizer and config files. When several graphs exist, OnnxFilePath must pick one
// unless exactly one of them is named model.onnx.
func SelectFiles(names []string, options DownloadOptions) ([]string, error) {
	var toDownload, allOnnx []string
	for _, fileName := range names {
		baseFileName := path.Base(fileName)
		switch {
		case path.Ext(baseFileName) == ".onnx":
			allOnnx = append(allOnnx, fileName)
		case slices.Contains(companionFiles, baseFileName) && path.Dir(fileName) == ".":
			toDownload = append(toDownload, fileName)
		case options.ExternalDataPath != "" && fileName == options.ExternalDataPath:
			toDownload = append(toDownload, fileName)
		}
	}

	onnxPath, err := pickOnnx(allOnnx, options.OnnxFilePath)
	if err != nil {
		return nil, err
	}
	if options.ExternalDataPath == "" {
		for _, data := range []string{onnxPath + "_data", onnxPath + ".data"} {
			if slices.Contains(names, data) {
				toDownload = append(toDownload, data)
			}
		}
	}
	return append(toDownload, onnxPath), nil
}

func pickOnnx(allOnnx []string, onnxFilePath string) (string, error) {
	if onnxFilePath != "" {
		for _, fileName := range allOnnx {
			if fileName == onnxFilePath || path.Base(fileName) == onnxFilePath {
				return fileName, nil
			}
		}
		return "", fmt.Errorf("model .onnx file not found at %s, available: %s", onnxFilePath, strings.Join(allOnnx, " "))
	}
	switch len(allOnnx) {
	case 0:
		return "", ErrNoOnnx
	case 1:
		return allOnnx[0], nil
	}
	var named []string
	for _, fileName := range allOnnx {
		if path.Base(fileName) == "model.onnx" {
			named = append(named, fileName)
		}
	}
	if len(named) == 1 {
		return named[0], nil
	}
	return "", fmt.Errorf("model has multiple .onnx files, please specify one of the following onnxFilePaths: %s", strings.Join(allOnnx, " "))
}
