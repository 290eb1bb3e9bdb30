package exporters

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/optimum/util/fileutil"
)

const (
	DefaultCommand    = "optimum-cli"
	DefaultHubCommand = "huggingface-cli"
)

// Exporter converts, optimizes, quantizes and publishes models through the optimum-cli and
// huggingface-cli tools.
type Exporter struct {
	Command    string
	HubCommand string
	runner     Runner
}

type Option func(e *Exporter)

// WithCommand sets the optimum-cli executable.
func WithCommand(command string) Option {
	return func(e *Exporter) {
		if command != "" {
			e.Command = command
		}
	}
}

// WithHubCommand sets the huggingface-cli executable used by Push.
func WithHubCommand(command string) Option {
	return func(e *Exporter) {
		if command != "" {
			e.HubCommand = command
		}
	}
}

func WithRunner(runner Runner) Option {
	return func(e *Exporter) {
		if runner != nil {
			e.runner = runner
		}
	}
}

// New creates an Exporter. The optimum-cli command defaults to $OPTIMUM_CLI, or optimum-cli on the PATH.
func New(opts ...Option) *Exporter {
	e := &Exporter{
		Command:    DefaultCommand,
		HubCommand: DefaultHubCommand,
		runner:     ExecRunner,
	}
	if command := os.Getenv("OPTIMUM_CLI"); command != "" {
		e.Command = command
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type ExportRequest struct {
	Model           string
	Task            string
	Output          string
	Opset           int
	Device          string
	FP16            bool
	Monolith        bool
	TrustRemoteCode bool
	Revision        string
}

func (r ExportRequest) args() ([]string, error) {
	if r.Model == "" || r.Output == "" {
		return nil, fmt.Errorf("%w: export needs a model and an output directory", ErrInvalidRequest)
	}
	if r.FP16 && r.Device != "cuda" {
		return nil, fmt.Errorf("%w: fp16 export requires device cuda", ErrInvalidRequest)
	}
	args := []string{"export", "onnx", "--model", r.Model}
	if r.Task != "" {
		args = append(args, "--task", r.Task)
	}
	if r.Opset > 0 {
		args = append(args, "--opset", strconv.Itoa(r.Opset))
	}
	if r.Device != "" {
		args = append(args, "--device", r.Device)
	}
	if r.FP16 {
		args = append(args, "--fp16")
	}
	if r.Monolith {
		args = append(args, "--monolith")
	}
	if r.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if r.Revision != "" {
		args = append(args, "--revision", r.Revision)
	}
	return append(args, r.Output), nil
}

// Export converts a checkpoint into an ONNX graph with `optimum-cli export onnx`.
func (e *Exporter) Export(ctx context.Context, request ExportRequest) error {
	args, err := request.args()
	if err != nil {
		return err
	}
	if _, err = e.run(ctx, Command{Name: e.Command, Args: args}); err != nil {
		return err
	}
	return requireOnnx(ctx, request.Output)
}

// OptimizationLevels are the graph optimization presets of ORTOptimizer.
var OptimizationLevels = []string{"O1", "O2", "O3", "O4"}

type OptimizeRequest struct {
	Input  string
	Output string
	Level  string
}

func (r OptimizeRequest) args() ([]string, error) {
	if r.Input == "" || r.Output == "" {
		return nil, fmt.Errorf("%w: optimize needs an input and an output directory", ErrInvalidRequest)
	}
	level := strings.ToUpper(r.Level)
	if level == "" {
		level = "O2"
	}
	if !slices.Contains(OptimizationLevels, level) {
		return nil, fmt.Errorf("%w: optimization level %s, use one of %v", ErrInvalidRequest, r.Level, OptimizationLevels)
	}
	return []string{"onnxruntime", "optimize", "--onnx_model", r.Input, "-o", r.Output, "-" + level}, nil
}

// Optimize applies onnxruntime graph optimizations to an exported model directory.
func (e *Exporter) Optimize(ctx context.Context, request OptimizeRequest) error {
	args, err := request.args()
	if err != nil {
		return err
	}
	if _, err = e.run(ctx, Command{Name: e.Command, Args: args}); err != nil {
		return err
	}
	return requireOnnx(ctx, request.Output)
}

// QuantizationTargets are the dynamic quantization presets of ORTQuantizer.
var QuantizationTargets = []string{"arm64", "avx2", "avx512", "avx512_vnni", "tensorrt"}

type QuantizeRequest struct {
	Input      string
	Output     string
	Target     string
	PerChannel bool
}

func (r QuantizeRequest) args() ([]string, error) {
	if r.Input == "" || r.Output == "" {
		return nil, fmt.Errorf("%w: quantize needs an input and an output directory", ErrInvalidRequest)
	}
	target := strings.ToLower(r.Target)
	if !slices.Contains(QuantizationTargets, target) {
		return nil, fmt.Errorf("%w: quantization target %q, use one of %v", ErrInvalidRequest, r.Target, QuantizationTargets)
	}
	args := []string{"onnxruntime", "quantize", "--onnx_model", r.Input, "-o", r.Output, "--" + target}
	if r.PerChannel {
		args = append(args, "--per_channel")
	}
	return args, nil
}

// Quantize applies dynamic quantization to an exported model directory.
func (e *Exporter) Quantize(ctx context.Context, request QuantizeRequest) error {
	args, err := request.args()
	if err != nil {
		return err
	}
	if _, err = e.run(ctx, Command{Name: e.Command, Args: args}); err != nil {
		return err
	}
	return requireOnnx(ctx, request.Output)
}

type PushRequest struct {
	Dir     string
	RepoID  string
	Token   string
	Private bool
}

func (r PushRequest) command(hubCommand string) (Command, error) {
	if r.Dir == "" || r.RepoID == "" {
		return Command{}, fmt.Errorf("%w: push needs a directory and a repository id", ErrInvalidRequest)
	}
	command := Command{Name: hubCommand, Args: []string{"upload", r.RepoID, r.Dir, "."}}
	if r.Private {
		command.Args = append(command.Args, "--private")
	}
	if r.Token != "" {
		// passed through the environment to keep it out of process listings
		command.Env = []string{"HF_TOKEN=" + r.Token}
	}
	return command, nil
}

// Push uploads a model directory to a Hub repository.
func (e *Exporter) Push(ctx context.Context, request PushRequest) error {
	command, err := request.command(e.HubCommand)
	if err != nil {
		return err
	}
	exists, err := fileutil.DirExists(ctx, request.Dir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidRequest, request.Dir)
	}
	_, err = e.run(ctx, command)
	return err
}

// Save copies the files of dir to destURL, which may be a local directory or any URL afs supports (s3://...).
func Save(ctx context.Context, dir string, destURL string) (int, error) {
	if dir == "" || destURL == "" {
		return 0, fmt.Errorf("%w: save needs a source directory and a destination", ErrInvalidRequest)
	}
	n, err := fileutil.CopyDir(ctx, dir, destURL)
	if err != nil {
		return n, fmt.Errorf("saving %s to %s: %w", dir, destURL, err)
	}
	log.Info().Str("from", dir).Str("to", destURL).Int("files", n).Msg("saved model")
	return n, nil
}

func requireOnnx(ctx context.Context, dir string) error {
	onnxFiles, err := fileutil.ListFiles(ctx, dir, ".onnx")
	if err != nil {
		return fmt.Errorf("%w: reading output %s: %w", ErrToolFailed, dir, err)
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("%w: no .onnx file written to %s", ErrToolFailed, dir)
	}
	return nil
}
