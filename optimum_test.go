package optimum

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/exporters"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/pipelines"
	"github.com/knights-analytics/optimum/tasks"
)

// imageModel is an in-memory model with the shapes of a vision classifier and no tokenizer.
func imageModel(destroyed *int) *backends.Model {
	return &backends.Model{
		ID:         "vit:model.onnx",
		Path:       "vit",
		GoModel:    &backends.GoModel{},
		IDLabelMap: map[int]string{0: "cat", 1: "dog"},
		InputsMeta: []backends.InputOutputInfo{
			{Name: "pixel_values", Dimensions: backends.NewShape(-1, 3, 224, 224)},
		},
		OutputsMeta: []backends.InputOutputInfo{
			{Name: "logits", Dimensions: backends.NewShape(-1, 2)},
		},
		Pipelines: map[string]backends.Pipeline{},
		Destroy: func() error {
			*destroyed++
			return nil
		},
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	session, err := NewGoSession()
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Destroy() })
	return session
}

func TestSessionPipelineLifecycle(t *testing.T) {
	session := newTestSession(t)
	destroyed := 0
	model := imageModel(&destroyed)

	config := ImageClassificationConfig{
		Name:    "vit",
		Options: []ImageClassificationOption{pipelines.WithTopK[*pipelines.ImageClassificationPipeline](1)},
	}
	p, err := NewPipelineWithModel(session, config, model)
	require.NoError(t, err)
	assert.Equal(t, 1, p.TopK)
	assert.Contains(t, model.Pipelines, "vit")

	_, err = NewPipelineWithModel(session, config, model)
	assert.ErrorContains(t, err, "already been initialised")

	got, err := GetPipeline[*pipelines.ImageClassificationPipeline](session, "vit")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = GetPipeline[*pipelines.TextClassificationPipeline](session, "vit")
	assert.ErrorContains(t, err, "not a")

	_, err = GetPipeline[*pipelines.ImageClassificationPipeline](session, "missing")
	var notFound *pipelineNotFoundError
	assert.ErrorAs(t, err, &notFound)

	assert.Equal(t, []string{"vit"}, session.PipelineNames())
	assert.Contains(t, session.GetStatistics(), "vit")

	require.NoError(t, ClosePipeline[*pipelines.ImageClassificationPipeline](session, "vit"))
	assert.Empty(t, session.PipelineNames())
	assert.Empty(t, model.Pipelines)
	// models supplied by the caller are not destroyed by the session
	assert.Equal(t, 0, destroyed)
	require.NoError(t, ClosePipeline[*pipelines.ImageClassificationPipeline](session, "vit"))
}

func TestNewPipelineValidation(t *testing.T) {
	session := newTestSession(t)
	destroyed := 0

	_, err := NewPipelineWithModel(session, ImageClassificationConfig{}, imageModel(&destroyed))
	assert.ErrorContains(t, err, "name for the pipeline is required")

	_, err = NewPipelineWithModel(session, ImageClassificationConfig{Name: "x"}, nil)
	assert.Error(t, err)

	model := imageModel(&destroyed)
	model.OutputsMeta = nil
	_, err = NewPipelineWithModel(session, ImageClassificationConfig{Name: "bad"}, model)
	assert.ErrorContains(t, err, "two dimensional")
	assert.Empty(t, session.PipelineNames())
}

func TestSessionDestroy(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	destroyed := 0
	_, err = NewPipelineWithModel(session, ImageClassificationConfig{Name: "vit"}, imageModel(&destroyed))
	require.NoError(t, err)
	require.NoError(t, session.Destroy())
	assert.Empty(t, session.PipelineNames())
	assert.Equal(t, "", session.Backend())

	_, err = NewPipelineWithModel(session, ImageClassificationConfig{Name: "again"}, imageModel(&destroyed))
	assert.ErrorContains(t, err, "destroyed")
}

func TestNewSessionBackends(t *testing.T) {
	_, err := NewSession("TPU")
	assert.Error(t, err)

	session, err := NewSession(options.BackendGo)
	require.NoError(t, err)
	assert.Equal(t, options.BackendGo, session.Backend())
	require.NoError(t, session.Destroy())

	_, err = NewGoSession(options.WithIntraOpNumThreads(2))
	assert.ErrorContains(t, err, "only supported for ORT")
}

func TestNewTaskPipelineWithLoadedModel(t *testing.T) {
	session := newTestSession(t)
	destroyed := 0
	model := imageModel(&destroyed)

	p, err := session.NewTaskPipeline(context.Background(), "image-classification",
		WithLoadedModel(model),
		WithPipelineOptions(pipelines.WithTopK[*pipelines.ImageClassificationPipeline](2)),
	)
	require.NoError(t, err)
	assert.Equal(t, tasks.ImageClassification, p.Task)
	assert.Equal(t, "image-classification:vit", p.Name)

	typed, ok := As[*pipelines.ImageClassificationPipeline](p)
	require.True(t, ok)
	assert.Equal(t, 2, typed.TopK)
	_, ok = As[*pipelines.TextClassificationPipeline](p)
	assert.False(t, ok)

	second, err := session.NewTaskPipeline(context.Background(), "image-classification", WithLoadedModel(model))
	require.NoError(t, err)
	assert.Equal(t, "image-classification:vit#2", second.Name)

	require.NoError(t, p.Close())
	require.NoError(t, second.Close())
	assert.Empty(t, session.PipelineNames())
	assert.Equal(t, options.BackendGo, session.Backend())
}

func TestNewPipelineWithModelBackendMismatch(t *testing.T) {
	session := newTestSession(t)
	destroyed := 0

	ortOnly := imageModel(&destroyed)
	ortOnly.GoModel = nil
	ortOnly.ORTModel = &backends.ORTModel{}
	_, err := NewPipelineWithModel(session, ImageClassificationConfig{Name: "vit"}, ortOnly)
	require.ErrorIs(t, err, backends.ErrBackendMismatch)

	rustTokenizer := imageModel(&destroyed)
	rustTokenizer.Tokenizer = &backends.Tokenizer{Runtime: "RUST"}
	_, err = session.NewTaskPipeline(context.Background(), "image-classification", WithLoadedModel(rustTokenizer))
	require.ErrorIs(t, err, backends.ErrBackendMismatch)

	assert.Empty(t, session.PipelineNames())
	assert.Empty(t, session.models)
	assert.Equal(t, 0, destroyed)
}

func TestNewTaskPipelineErrors(t *testing.T) {
	session := newTestSession(t)
	destroyed := 0
	ctx := context.Background()

	_, err := session.NewTaskPipeline(ctx, "summarization")
	assert.ErrorIs(t, err, tasks.ErrUnsupportedTask)

	_, err = session.NewTaskPipeline(ctx, "image-classification",
		WithLoadedModel(imageModel(&destroyed)),
		WithPipelineOptions(pipelines.WithTopK[*pipelines.TextClassificationPipeline](2)),
	)
	assert.ErrorContains(t, err, "does not apply to image-classification")

	_, err = session.NewTaskPipeline(ctx, "image-classification", WithAccelerator("ort"))
	assert.ErrorContains(t, err, "does not match")

	_, err = session.NewTaskPipeline(ctx, "image-classification", WithSessionOptions(options.WithTelemetry()))
	assert.ErrorContains(t, err, "only applies to Pipeline")

	_, err = session.NewTaskPipeline(ctx, "image-classification", WithAccelerator("tpu"))
	assert.ErrorContains(t, err, "not supported")
}

func TestResolveModelPathNotExported(t *testing.T) {
	checkpoint := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(checkpoint, "config.json"), []byte("{}"), 0o600))
	definition, _ := tasks.Lookup(tasks.TextClassification)

	_, err := resolveModelPath(context.Background(), definition, &taskConfig{model: checkpoint, cacheDir: t.TempDir(), offline: true})
	assert.ErrorIs(t, err, ErrNotExported)
}

func TestResolveModelPathExports(t *testing.T) {
	checkpoint := t.TempDir()
	cacheDir := t.TempDir()
	definition, _ := tasks.Lookup(tasks.ZeroShotClassification)

	var requests []exporters.Command
	runner := func(_ context.Context, command exporters.Command) (exporters.Result, error) {
		requests = append(requests, command)
		output := command.Args[len(command.Args)-1]
		if err := os.MkdirAll(output, 0o755); err != nil {
			return exporters.Result{}, err
		}
		return exporters.Result{}, os.WriteFile(filepath.Join(output, "model.onnx"), []byte("onnx"), 0o600)
	}
	config := &taskConfig{
		model:    checkpoint,
		cacheDir: cacheDir,
		offline:  true,
		exporter: exporters.New(exporters.WithRunner(runner)),
	}
	require.NoError(t, WithExport(true)(config))

	path, err := resolveModelPath(context.Background(), definition, config)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, exportDirName(checkpoint, tasks.ZeroShotClassification)), path)
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Args, "text-classification")
	assert.Contains(t, requests[0].Args, checkpoint)

	// a previous export is reused
	path, err = resolveModelPath(context.Background(), definition, config)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path, "model.onnx"))
	assert.Len(t, requests, 1)
}

func TestResolveModelPathExportDirKeyedByRevision(t *testing.T) {
	cacheDir := t.TempDir()
	definition, _ := tasks.Lookup(tasks.TextClassification)
	// an export of the main revision must not be reused for v2
	mainExport := filepath.Join(cacheDir, exportDirName("org/name", tasks.TextClassification))
	require.NoError(t, os.MkdirAll(mainExport, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mainExport, "model.onnx"), []byte("onnx"), 0o600))
	checkpoint := filepath.Join(cacheDir, "org_name@v2")
	require.NoError(t, os.MkdirAll(checkpoint, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(checkpoint, "config.json"), []byte("{}"), 0o600))

	var requests []exporters.Command
	runner := func(_ context.Context, command exporters.Command) (exporters.Result, error) {
		requests = append(requests, command)
		output := command.Args[len(command.Args)-1]
		if err := os.MkdirAll(output, 0o755); err != nil {
			return exporters.Result{}, err
		}
		return exporters.Result{}, os.WriteFile(filepath.Join(output, "model.onnx"), []byte("onnx"), 0o600)
	}
	config := &taskConfig{
		model:    "org/name",
		cacheDir: cacheDir,
		offline:  true,
		exporter: exporters.New(exporters.WithRunner(runner)),
	}
	require.NoError(t, WithExport(true)(config))
	require.NoError(t, WithRevision("v2")(config))

	path, err := resolveModelPath(context.Background(), definition, config)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "org_name@v2_onnx_text-classification"), path)
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Args, checkpoint)

	// the revision suffix of the model id selects the same directory
	config.revision = ""
	config.model = "org/name:v2"
	path, err = resolveModelPath(context.Background(), definition, config)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "org_name@v2_onnx_text-classification"), path)
	assert.Len(t, requests, 1)
}

func TestResolveModelPathLocalOnnx(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "model.onnx"), []byte("onnx"), 0o600))
	definition, _ := tasks.Lookup(tasks.FeatureExtraction)
	path, err := resolveModelPath(context.Background(), definition, &taskConfig{model: local, cacheDir: t.TempDir(), offline: true})
	require.NoError(t, err)
	assert.Equal(t, local, path)
}

func TestBackendFor(t *testing.T) {
	for accelerator, expected := range map[string]string{"ort": options.BackendORT, "ORT": options.BackendORT, "go": options.BackendGo, "": options.BackendGo} {
		backend, err := backendFor(accelerator)
		require.NoError(t, err)
		assert.Equal(t, expected, backend)
	}
}
