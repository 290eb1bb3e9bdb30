package optimum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/exporters"
	"github.com/knights-analytics/optimum/hub"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/pipelines"
	"github.com/knights-analytics/optimum/tasks"
	"github.com/knights-analytics/optimum/util/fileutil"
)

// ErrNotExported is returned when a model has no ONNX graph and exporting it was not enabled.
var ErrNotExported = errors.New("model is not exported to ONNX")

type taskConfig struct {
	model           string
	loadedModel     *backends.Model
	tokenizer       string
	accelerator     string
	export          *bool
	onnxFilename    string
	revision        string
	authToken       string
	cacheDir        string
	offline         bool
	name            string
	sessionOptions  []options.WithOption
	exporter        *exporters.Exporter
	pipelineOptions []any
}

// TaskOption configures Pipeline and Session.NewTaskPipeline.
type TaskOption func(c *taskConfig) error

// WithModel sets the model: a hub id ("org/name", optionally "org/name:revision"), a local directory or
// an s3:// URL. Without it the default model of the task is used.
func WithModel(ref string) TaskOption {
	return func(c *taskConfig) error {
		c.model = ref
		return nil
	}
}

// WithLoadedModel runs the pipeline on a model loaded with backends.LoadModel. The caller keeps ownership of it.
func WithLoadedModel(model *backends.Model) TaskOption {
	return func(c *taskConfig) error {
		if model == nil {
			return errors.New("WithLoadedModel: model is nil")
		}
		c.loadedModel = model
		return nil
	}
}

// WithTokenizer loads tokenizer.json and special_tokens_map.json from dir instead of the model directory.
func WithTokenizer(dir string) TaskOption {
	return func(c *taskConfig) error {
		c.tokenizer = dir
		return nil
	}
}

// WithAccelerator selects the runtime, "ort" or "go". Only Pipeline accepts a runtime different from the session's.
func WithAccelerator(accelerator string) TaskOption {
	return func(c *taskConfig) error {
		backend, err := backendFor(accelerator)
		if err != nil {
			return err
		}
		c.accelerator = backend
		return nil
	}
}

// WithExport enables converting checkpoints without an ONNX graph with optimum-cli. It is enabled by default
// only when the default model of the task is used.
func WithExport(export bool) TaskOption {
	return func(c *taskConfig) error {
		c.export = &export
		return nil
	}
}

// WithOnnxFilename picks the graph when the model directory or repository has several .onnx files.
func WithOnnxFilename(name string) TaskOption {
	return func(c *taskConfig) error {
		c.onnxFilename = name
		return nil
	}
}

// WithRevision pins hub downloads and exports to a revision, replacing a ":revision" suffix of the model id.
func WithRevision(revision string) TaskOption {
	return func(c *taskConfig) error {
		c.revision = revision
		return nil
	}
}

// WithAuthToken sets the Hugging Face token used for downloads of private or gated models.
func WithAuthToken(token string) TaskOption {
	return func(c *taskConfig) error {
		c.authToken = token
		return nil
	}
}

// WithCacheDir sets where downloaded and exported models are stored. Defaults to hub.DefaultCacheDir().
func WithCacheDir(dir string) TaskOption {
	return func(c *taskConfig) error {
		c.cacheDir = dir
		return nil
	}
}

// WithOffline disables hub downloads: models must be local or already cached.
func WithOffline() TaskOption {
	return func(c *taskConfig) error {
		c.offline = true
		return nil
	}
}

// WithPipelineName names the pipeline in the session instead of the generated "<task>:<model path>" name.
func WithPipelineName(name string) TaskOption {
	return func(c *taskConfig) error {
		if name == "" {
			return errors.New("WithPipelineName: empty name")
		}
		c.name = name
		return nil
	}
}

// WithSessionOptions passes runtime options (threads, execution providers...) to the session created by Pipeline.
func WithSessionOptions(opts ...options.WithOption) TaskOption {
	return func(c *taskConfig) error {
		c.sessionOptions = append(c.sessionOptions, opts...)
		return nil
	}
}

// WithExporter sets the exporter used to convert checkpoints. Defaults to exporters.New().
func WithExporter(exporter *exporters.Exporter) TaskOption {
	return func(c *taskConfig) error {
		c.exporter = exporter
		return nil
	}
}

// WithPipelineOptions passes options of the typed pipeline, e.g.
// WithPipelineOptions(pipelines.WithTopK[*pipelines.TextClassificationPipeline](3)).
// Options for a pipeline type that does not match the task are rejected when the pipeline is built.
func WithPipelineOptions[T backends.Pipeline](opts ...backends.PipelineOption[T]) TaskOption {
	return func(c *taskConfig) error {
		for _, o := range opts {
			c.pipelineOptions = append(c.pipelineOptions, o)
		}
		return nil
	}
}

func backendFor(accelerator string) (string, error) {
	switch strings.ToLower(accelerator) {
	case "ort", "onnxruntime":
		return options.BackendORT, nil
	case "go", "":
		return options.BackendGo, nil
	}
	return "", fmt.Errorf("accelerator %q is not supported, use ort or go", accelerator)
}

// TaskPipeline is the callable returned by Pipeline and Session.NewTaskPipeline.
type TaskPipeline struct {
	Task      tasks.Task
	Name      string
	ModelPath string
	pipeline  backends.Pipeline
	session   *Session
	owned     bool
}

// Run runs the pipeline on inputs. Question answering takes JSON objects {"question": ..., "context": ...}
// and image classification takes image paths.
func (t *TaskPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return t.pipeline.Run(inputs)
}

// Unwrap returns the typed pipeline.
func (t *TaskPipeline) Unwrap() backends.Pipeline {
	return t.pipeline
}

func (t *TaskPipeline) Session() *Session {
	return t.session
}

func (t *TaskPipeline) GetStatistics() backends.PipelineStatistics {
	return t.pipeline.GetStatistics()
}

// Close removes the pipeline from its session. A session created by Pipeline is destroyed with it.
func (t *TaskPipeline) Close() error {
	if t.session == nil {
		return nil
	}
	err := t.session.closePipeline(t.Name)
	if t.owned {
		err = errors.Join(err, t.session.Destroy())
	}
	t.session = nil
	return err
}

// As returns the pipeline of t as a T, e.g. As[*pipelines.TextClassificationPipeline](p).
func As[T backends.Pipeline](t *TaskPipeline) (T, bool) {
	typed, ok := t.pipeline.(T)
	return typed, ok
}

// Pipeline creates a session for the requested accelerator (the pure Go runtime by default) and a task
// pipeline on it. Closing the returned pipeline destroys the session.
func Pipeline(ctx context.Context, task string, opts ...TaskOption) (*TaskPipeline, error) {
	config, err := parseTaskOptions(opts)
	if err != nil {
		return nil, err
	}
	backend := config.accelerator
	if backend == "" {
		backend = options.BackendGo
	}
	session, err := NewSession(backend, config.sessionOptions...)
	if err != nil {
		return nil, err
	}
	pipeline, err := session.newTaskPipeline(ctx, task, config)
	if err != nil {
		return nil, errors.Join(err, session.Destroy())
	}
	pipeline.owned = true
	return pipeline, nil
}

// NewTaskPipeline resolves the model of a task, exporting it to ONNX when needed and allowed, and creates
// the pipeline on the session.
func (s *Session) NewTaskPipeline(ctx context.Context, task string, opts ...TaskOption) (*TaskPipeline, error) {
	config, err := parseTaskOptions(opts)
	if err != nil {
		return nil, err
	}
	if len(config.sessionOptions) > 0 {
		return nil, errors.New("WithSessionOptions only applies to Pipeline, the session already exists")
	}
	if config.accelerator != "" && config.accelerator != s.Backend() {
		return nil, fmt.Errorf("accelerator %s does not match the %s session", config.accelerator, s.Backend())
	}
	return s.newTaskPipeline(ctx, task, config)
}

func parseTaskOptions(opts []TaskOption) (*taskConfig, error) {
	config := &taskConfig{}
	for _, o := range opts {
		if err := o(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func (s *Session) newTaskPipeline(ctx context.Context, tag string, config *taskConfig) (*TaskPipeline, error) {
	task, err := tasks.Normalize(tag)
	if err != nil {
		return nil, err
	}
	definition, _ := tasks.Lookup(task)

	modelPath := ""
	if config.loadedModel != nil {
		modelPath = config.loadedModel.Path
	} else {
		modelPath, err = resolveModelPath(ctx, definition, config)
		if err != nil {
			return nil, err
		}
	}

	name := config.name
	if name == "" {
		name = s.uniqueName(fmt.Sprintf("%s:%s", task, modelPath))
	}
	start := time.Now()
	pipeline, err := buildPipeline(s, task, modelPath, name, config)
	if err != nil {
		return nil, fmt.Errorf("creating %s pipeline: %w", task, err)
	}
	log.Info().Str("task", string(task)).Str("model", modelPath).Str("backend", s.Backend()).Dur("took", time.Since(start)).Msg("pipeline ready")
	return &TaskPipeline{Task: task, Name: name, ModelPath: modelPath, pipeline: pipeline, session: s}, nil
}

// resolveModelPath finds the directory holding the ONNX graph of the model of config, downloading or
// exporting it into the cache when needed.
func resolveModelPath(ctx context.Context, definition tasks.Definition, config *taskConfig) (string, error) {
	ref := config.model
	export := config.export != nil && *config.export
	if ref == "" {
		ref = definition.DefaultModel
		if config.export == nil {
			export = true
		}
	}
	cacheDir := config.cacheDir
	if cacheDir == "" {
		cacheDir = hub.DefaultCacheDir()
	}

	ref = hub.RefWithRevision(ref, config.revision)
	exportDir := fileutil.PathJoinSafe(cacheDir, exportDirName(ref, definition.Task))
	if export {
		if hasOnnx(ctx, exportDir) {
			log.Debug().Str("model", ref).Str("path", exportDir).Msg("reusing exported model")
			return exportDir, nil
		}
	}

	download := hub.NewDownloadOptions()
	download.AuthToken = config.authToken
	download.OnnxFilePath = config.onnxFilename
	resolved, err := hub.Resolve(ctx, ref, hub.ResolveOptions{CacheDir: cacheDir, Download: download, Offline: config.offline})
	if err != nil && !errors.Is(err, hub.ErrNoOnnx) {
		return "", err
	}
	if resolved.HasOnnx {
		return resolved.Path, nil
	}
	if !export {
		return "", fmt.Errorf("%w: %s has no .onnx graph, use WithExport(true) to convert it with optimum-cli", ErrNotExported, ref)
	}

	request := exporters.ExportRequest{
		Model:  ref,
		Task:   definition.ExportTask,
		Output: exportDir,
	}
	if resolved.Source == hub.SourceLocal || resolved.Source == hub.SourceCache {
		request.Model = resolved.Path
	} else if id, revision, found := strings.Cut(ref, ":"); found {
		request.Model, request.Revision = id, revision
	}
	exporter := config.exporter
	if exporter == nil {
		exporter = exporters.New()
	}
	if err = exporter.Export(ctx, request); err != nil {
		return "", fmt.Errorf("exporting %s: %w", ref, err)
	}
	return exportDir, nil
}

func exportDirName(ref string, task tasks.Task) string {
	return fileutil.ModelDirName(ref) + "_onnx_" + string(task)
}

func hasOnnx(ctx context.Context, dir string) bool {
	exists, err := fileutil.DirExists(ctx, dir)
	if err != nil || !exists {
		return false
	}
	onnxFiles, err := fileutil.ListFiles(ctx, dir, ".onnx")
	return err == nil && len(onnxFiles) > 0
}

func buildPipeline(s *Session, task tasks.Task, modelPath, name string, config *taskConfig) (backends.Pipeline, error) {
	switch task {
	case tasks.FeatureExtraction:
		return newTypedPipeline[*pipelines.FeatureExtractionPipeline](s, task, modelPath, name, config)
	case tasks.TextClassification:
		return newTypedPipeline[*pipelines.TextClassificationPipeline](s, task, modelPath, name, config)
	case tasks.TokenClassification:
		return newTypedPipeline[*pipelines.TokenClassificationPipeline](s, task, modelPath, name, config)
	case tasks.QuestionAnswering:
		return newTypedPipeline[*pipelines.QuestionAnsweringPipeline](s, task, modelPath, name, config)
	case tasks.ZeroShotClassification:
		return newTypedPipeline[*pipelines.ZeroShotClassificationPipeline](s, task, modelPath, name, config)
	case tasks.FillMask:
		return newTypedPipeline[*pipelines.FillMaskPipeline](s, task, modelPath, name, config)
	case tasks.TextGeneration:
		return newTypedPipeline[*pipelines.TextGenerationPipeline](s, task, modelPath, name, config)
	case tasks.ImageClassification:
		return newTypedPipeline[*pipelines.ImageClassificationPipeline](s, task, modelPath, name, config)
	}
	return nil, fmt.Errorf("%w %q", tasks.ErrUnsupportedTask, task)
}

func newTypedPipeline[T backends.Pipeline](s *Session, task tasks.Task, modelPath, name string, config *taskConfig) (backends.Pipeline, error) {
	pipelineOptions, err := pipelineOptionsFor[T](task, config.pipelineOptions)
	if err != nil {
		return nil, err
	}
	pipelineConfig := backends.PipelineConfig[T]{
		ModelPath:     modelPath,
		TokenizerPath: config.tokenizer,
		Name:          name,
		OnnxFilename:  config.onnxFilename,
		Options:       pipelineOptions,
	}
	if config.loadedModel != nil {
		return NewPipelineWithModel(s, pipelineConfig, config.loadedModel)
	}
	return NewPipeline(s, pipelineConfig)
}

func pipelineOptionsFor[T backends.Pipeline](task tasks.Task, opts []any) ([]backends.PipelineOption[T], error) {
	typed := make([]backends.PipelineOption[T], 0, len(opts))
	for _, o := range opts {
		option, ok := o.(backends.PipelineOption[T])
		if !ok {
			var pipeline T
			return nil, fmt.Errorf("pipeline option %T does not apply to %s, which builds a %T", o, task, pipeline)
		}
		typed = append(typed, option)
	}
	return typed, nil
}
