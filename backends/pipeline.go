package backends

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model           *Model
	PipelineTimings *timings
	PipelineName    string
	Runtime         string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}

type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics         // Get the pipeline running statistics
	Validate() error                           // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata             // Return metadata information for the pipeline
	GetModel() *Model                          // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on an input
}

type PipelineStatistics struct {
	TokenizerTotalTime      time.Duration
	TokenizerExecutionCount uint64
	TokenizerAvgQueryTime   time.Duration
	OnnxTotalTime           time.Duration
	OnnxExecutionCount      uint64
	OnnxAvgQueryTime        time.Duration
}

func (p *PipelineStatistics) ComputeTokenizerStatistics(timings *timings) {
	total := atomic.LoadUint64(&timings.TotalNS)
	calls := atomic.LoadUint64(&timings.NumCalls)
	p.TokenizerTotalTime = safeconv.U64ToDuration(total)
	p.TokenizerExecutionCount = calls
	p.TokenizerAvgQueryTime = time.Duration(float64(total) / math.Max(1, float64(calls)))
}

func (p *PipelineStatistics) ComputeOnnxStatistics(timings *timings) {
	total := atomic.LoadUint64(&timings.TotalNS)
	calls := atomic.LoadUint64(&timings.NumCalls)
	p.OnnxTotalTime = safeconv.U64ToDuration(total)
	p.OnnxExecutionCount = calls
	p.OnnxAvgQueryTime = time.Duration(float64(total) / math.Max(1, float64(calls)))
}

func (p *PipelineStatistics) Print() {
	jsonData, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println(string(jsonData))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath     string
	TokenizerPath string
	Name          string
	OnnxFilename  string
	Options       []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// Track records one call that started at start.
func (t *timings) Track(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

// TokenizedInput holds the result of running tokenizer on an input.
type TokenizedInput struct {
	Raw               string
	Tokens            []string
	TokenIDs          []uint32
	TypeIDs           []uint32
	AttentionMask     []uint32
	SpecialTokensMask []uint32
	Offsets           [][2]uint
	MaxAttentionIndex int
	// PairOffset is the byte offset in Raw where the second text of a pair starts, or -1.
	PairOffset int
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
type PipelineBatch struct {
	InputValues       any
	DestroyInputs     func() error
	Input             []TokenizedInput
	PaddingMask       [][]bool
	OutputValues      []any
	Size              int
	MaxSequenceLength int
	// PadLeft pads sequences on the left, as decoder-only generation requires.
	PadLeft bool
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Size: size,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	switch p.Runtime {
	case options.BackendORT:
		return runORTSessionOnBatch(batch, p)
	case options.BackendGo:
		return runGoSessionOnBatch(batch, p)
	}
	return fmt.Errorf("runtime %s is not supported", p.Runtime)
}

// CreateInputTensors builds the text input tensors for batch, replacing any previous ones.
func CreateInputTensors(batch *PipelineBatch, model *Model, runtime string) error {
	if err := batch.DestroyInputs(); err != nil {
		return err
	}
	switch runtime {
	case options.BackendORT:
		return createInputTensorsORT(batch, model)
	case options.BackendGo:
		return createInputTensorsGo(batch, model)
	}
	return fmt.Errorf("runtime %s is not supported", runtime)
}

// CreateImageTensors builds the pixel tensors from preprocessed images of shape [n][c][h][w] or [n][h][w][c].
func CreateImageTensors(batch *PipelineBatch, model *Model, preprocessed [][][][]float32, runtime string) error {
	switch runtime {
	case options.BackendORT:
		return createImageTensorsORT(batch, model, preprocessed)
	case options.BackendGo:
		return createImageTensorsGo(batch, model, preprocessed)
	}
	return fmt.Errorf("runtime %s is not supported for image tensors", runtime)
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	if model == nil {
		return nil, fmt.Errorf("pipeline %s: model is nil", config.Name)
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	return pipeline, nil
}

// GetStatistics combines the tokenizer timings of the model with the inference timings of the pipeline.
func (p *BasePipeline) GetStatistics() PipelineStatistics {
	statistics := PipelineStatistics{}
	if p.Model.Tokenizer != nil {
		statistics.ComputeTokenizerStatistics(p.Model.Tokenizer.TokenizerTimings)
	}
	statistics.ComputeOnnxStatistics(p.PipelineTimings)
	return statistics
}

func (p *BasePipeline) GetModel() *Model {
	return p.Model
}

// GetMetadata reports the first model output, which is the one every task pipeline reads.
func (p *BasePipeline) GetMetadata() PipelineMetadata {
	if len(p.Model.OutputsMeta) == 0 {
		return PipelineMetadata{}
	}
	return PipelineMetadata{
		OutputsInfo: []OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

// Forward runs the model on batch and records the inference time.
func (p *BasePipeline) Forward(batch *PipelineBatch) error {
	start := time.Now()
	if err := RunSessionOnBatch(batch, p); err != nil {
		return err
	}
	p.PipelineTimings.Track(start)
	return nil
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case options.BackendORT:
		return createORTModelBackend(model, s)
	case options.BackendGo:
		return createGoModelBackend(model)
	}
	return fmt.Errorf("backend %s is not supported", s.Backend)
}
