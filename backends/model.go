package backends

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"

	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/fileutil"
	"github.com/knights-analytics/optimum/util/imageutil"
)

// ErrIncompatibleTokenizer is returned when a tokenizer cannot drive the model it was loaded with.
var ErrIncompatibleTokenizer = errors.New("tokenizer is incompatible with the model")

// ErrBackendMismatch is returned when a model was loaded for a different backend than the session running it.
var ErrBackendMismatch = errors.New("model was not loaded for this backend")

type Model struct {
	ID                    string
	ORTModel              *ORTModel
	GoModel               *GoModel
	Tokenizer             *Tokenizer
	Destroy               func() error
	Pipelines             map[string]Pipeline
	IDLabelMap            map[int]string
	EosTokenIDs           map[int64]bool
	SeparatorToken        string
	MaskToken             string
	ClsToken              string
	ModelType             string
	ProblemType           string
	Path                  string
	TokenizerPath         string
	OnnxFilename          string
	OnnxPath              string
	OnnxBytes             []byte
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	Preprocessor          *imageutil.PreprocessorConfig
	MaxPositionEmbeddings int
	VocabSize             int
	PadToken              int64
}

// LoadOption customises LoadModel.
type LoadOption func(m *Model)

// WithTokenizerPath loads tokenizer.json and special_tokens_map.json from dir instead of the model directory.
func WithTokenizerPath(dir string) LoadOption {
	return func(m *Model) {
		if dir != "" {
			m.TokenizerPath = dir
		}
	}
}

// LoadModel reads the ONNX graph and its companion files from path and creates the backend session and tokenizer.
func LoadModel(path string, onnxFilename string, options *options.Options, loadOptions ...LoadOption) (*Model, error) {
	model := &Model{
		ID:            path + ":" + onnxFilename,
		Path:          path,
		TokenizerPath: path,
		OnnxFilename:  onnxFilename,
		Pipelines:     map[string]Pipeline{},
	}
	for _, o := range loadOptions {
		o(model)
	}

	if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", model.OnnxPath, err)
	}
	model.OnnxBytes = onnxBytes

	if err = loadModelConfig(model); err != nil {
		return nil, err
	}
	if err = CreateModelBackend(model, options); err != nil {
		return nil, err
	}
	if err = LoadTokenizer(model, options); err != nil {
		return nil, errors.Join(err, destroyBackend(model, options))
	}

	model.Destroy = func() error {
		var destroyErr error
		if model.Tokenizer != nil {
			destroyErr = model.Tokenizer.Destroy()
		}
		return errors.Join(destroyErr, destroyBackend(model, options))
	}
	return model, nil
}

// CheckBackend reports whether the model and its tokenizer can run on the given backend.
func (m *Model) CheckBackend(backend string) error {
	var session bool
	var runtime string
	switch backend {
	case options.BackendORT:
		session, runtime = m.ORTModel != nil, "RUST"
	case options.BackendGo:
		session, runtime = m.GoModel != nil, "GO"
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrBackendMismatch, backend)
	}
	if !session {
		return fmt.Errorf("%w: model %s has no %s session", ErrBackendMismatch, m.ID, backend)
	}
	if m.Tokenizer != nil && m.Tokenizer.Runtime != runtime {
		return fmt.Errorf("%w: model %s has a %s tokenizer, %s needs %s", ErrBackendMismatch, m.ID, m.Tokenizer.Runtime, backend, runtime)
	}
	return nil
}

func destroyBackend(model *Model, options *options.Options) error {
	var err error
	switch options.Backend {
	case "ORT":
		if model.ORTModel != nil {
			err = model.ORTModel.Destroy()
			model.ORTModel = nil
		}
	case "GO":
		model.GoModel = nil
	}
	return err
}

// GetOnnxModelPath selects the .onnx file of the model. When the directory holds several graphs,
// OnnxFilename must name one of them, either by file name or by path relative to the model directory.
func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := fileutil.ListFiles(context.Background(), model.Path, ".onnx")
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", model.Path)
	}
	if len(onnxFiles) == 1 && model.OnnxFilename == "" {
		model.OnnxPath = fileutil.PathJoinSafe(model.Path, onnxFiles[0])
		return nil
	}
	if model.OnnxFilename == "" {
		return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
	}
	for _, rel := range onnxFiles {
		if rel == model.OnnxFilename || path.Base(rel) == model.OnnxFilename {
			model.OnnxPath = fileutil.PathJoinSafe(model.Path, rel)
			return nil
		}
	}
	return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
}

func loadModelConfig(model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if exists {
		configBytes, readErr := fileutil.ReadFileBytes(configPath)
		if readErr != nil {
			return readErr
		}
		config, parseErr := ParseModelConfig(configBytes)
		if parseErr != nil {
			return parseErr
		}
		model.IDLabelMap = config.IDLabelMap
		model.EosTokenIDs = config.EosTokenIDs
		model.MaxPositionEmbeddings = config.MaxPositionEmbeddings
		model.VocabSize = config.VocabSize
		model.ModelType = config.ModelType
		model.ProblemType = config.ProblemType
		switch {
		case config.PadTokenID != nil:
			model.PadToken = *config.PadTokenID
		case len(config.EosTokenIDs) > 0:
			// models without a pad token (gpt2) pad with eos
			model.PadToken = slices.Min(slices.Collect(maps.Keys(config.EosTokenIDs)))
		}
	}

	specialTokensPath := fileutil.PathJoinSafe(model.TokenizerPath, "special_tokens_map.json")
	exists, err = fileutil.FileExists(specialTokensPath)
	if err != nil {
		return err
	}
	if exists {
		data, readErr := fileutil.ReadFileBytes(specialTokensPath)
		if readErr != nil {
			return readErr
		}
		tokens, parseErr := ParseSpecialTokens(data)
		if parseErr != nil {
			return parseErr
		}
		model.SeparatorToken = string(tokens.SepToken)
		model.MaskToken = string(tokens.MaskToken)
		model.ClsToken = string(tokens.ClsToken)
	}

	preprocessorPath := fileutil.PathJoinSafe(model.Path, "preprocessor_config.json")
	exists, err = fileutil.FileExists(preprocessorPath)
	if err != nil {
		return err
	}
	if exists {
		data, readErr := fileutil.ReadFileBytes(preprocessorPath)
		if readErr != nil {
			return readErr
		}
		preprocessor, parseErr := imageutil.ParsePreprocessorConfig(data)
		if parseErr != nil {
			return fmt.Errorf("parsing preprocessor_config.json: %w", parseErr)
		}
		model.Preprocessor = preprocessor
	}
	return nil
}
