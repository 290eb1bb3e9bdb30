package optimum

import (
	"os"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/optimum/pipelines"
	"github.com/knights-analytics/optimum/tasks"
)

var (
	goBlock         = regexp.MustCompile("(?s)```go\n(.*?)```")
	pipelineCall    = regexp.MustCompile(`optimum\.Pipeline\(ctx, "([^"]+)"`)
	outputAssertion = regexp.MustCompile(`\.\(\*pipelines\.(\w+)\)`)
)

// outputTypeName is the name of the type returned by RunPipeline of the pipeline built for task.
func outputTypeName(t *testing.T, task tasks.Task) string {
	t.Helper()
	byTask := map[tasks.Task]any{
		tasks.FeatureExtraction:      &pipelines.FeatureExtractionPipeline{},
		tasks.TextClassification:     &pipelines.TextClassificationPipeline{},
		tasks.TokenClassification:    &pipelines.TokenClassificationPipeline{},
		tasks.QuestionAnswering:      &pipelines.QuestionAnsweringPipeline{},
		tasks.ZeroShotClassification: &pipelines.ZeroShotClassificationPipeline{},
		tasks.FillMask:               &pipelines.FillMaskPipeline{},
		tasks.TextGeneration:         &pipelines.TextGenerationPipeline{},
		tasks.ImageClassification:    &pipelines.ImageClassificationPipeline{},
	}
	pipeline, ok := byTask[task]
	require.True(t, ok, "no pipeline type for %s", task)
	method, ok := reflect.TypeOf(pipeline).MethodByName("RunPipeline")
	require.True(t, ok)
	require.Positive(t, method.Type.NumOut())
	return method.Type.Out(0).Elem().Name()
}

func TestReadmeSamples(t *testing.T) {
	readme, err := os.ReadFile("README.md")
	require.NoError(t, err)

	samples := 0
	covered := map[tasks.Task]bool{}
	for _, block := range goBlock.FindAllStringSubmatch(string(readme), -1) {
		code := block[1]
		call := pipelineCall.FindStringSubmatch(code)
		if call == nil {
			continue
		}
		samples++
		task, normalizeErr := tasks.Normalize(call[1])
		require.NoError(t, normalizeErr, "README uses an unsupported task tag %q", call[1])
		covered[task] = true

		assertion := outputAssertion.FindStringSubmatch(code)
		require.NotNil(t, assertion, "sample for %s does not show its output type", call[1])
		assert.Equal(t, outputTypeName(t, task), assertion[1], "sample for %s", call[1])
	}
	assert.Positive(t, samples)
	for _, task := range tasks.Supported() {
		assert.True(t, covered[task], "README has no sample for %s", task)
	}
}

func TestReadmeTaskTable(t *testing.T) {
	readme, err := os.ReadFile("README.md")
	require.NoError(t, err)
	for _, task := range tasks.Supported() {
		definition, _ := tasks.Lookup(task)
		row := "| " + string(task) + " |"
		assert.Contains(t, string(readme), row)
		assert.True(t, strings.Contains(string(readme), definition.DefaultModel), "default model of %s", task)
	}
}
