package exporters

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	commands []Command
	stderr   string
	err      error
	// writeOnnx creates model.onnx in the last argument pointing at a directory
	writeOnnx string
}

func (f *fakeRunner) run(_ context.Context, command Command) (Result, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return Result{Stderr: f.stderr}, f.err
	}
	if f.writeOnnx != "" {
		if err := os.MkdirAll(f.writeOnnx, 0o755); err != nil {
			return Result{}, err
		}
		if err := os.WriteFile(filepath.Join(f.writeOnnx, "model.onnx"), []byte("onnx"), 0o600); err != nil {
			return Result{}, err
		}
	}
	return Result{}, nil
}

func TestExport(t *testing.T) {
	out := filepath.Join(t.TempDir(), "exported")
	runner := &fakeRunner{writeOnnx: out}
	e := New(WithCommand("optimum-cli"), WithRunner(runner.run))

	err := e.Export(context.Background(), ExportRequest{
		Model:    "distilbert-base-uncased",
		Task:     "text-classification",
		Output:   out,
		Opset:    17,
		Monolith: true,
		Revision: "main",
	})
	require.NoError(t, err)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "optimum-cli", runner.commands[0].Name)
	assert.Equal(t, []string{
		"export", "onnx", "--model", "distilbert-base-uncased", "--task", "text-classification",
		"--opset", "17", "--monolith", "--revision", "main", out,
	}, runner.commands[0].Args)
}

func TestExportWithoutOnnxOutput(t *testing.T) {
	runner := &fakeRunner{}
	e := New(WithRunner(runner.run))
	err := e.Export(context.Background(), ExportRequest{Model: "m", Output: t.TempDir()})
	assert.ErrorIs(t, err, ErrToolFailed)
}

func TestExportInvalid(t *testing.T) {
	runner := &fakeRunner{}
	e := New(WithRunner(runner.run))
	err := e.Export(context.Background(), ExportRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	err = e.Export(context.Background(), ExportRequest{Model: "m", Output: "o", FP16: true, Device: "cpu"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, runner.commands)
}

func TestOptimizeAndQuantize(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	runner := &fakeRunner{writeOnnx: out}
	e := New(WithRunner(runner.run))

	require.NoError(t, e.Optimize(context.Background(), OptimizeRequest{Input: "in", Output: out, Level: "o3"}))
	assert.Equal(t, []string{"onnxruntime", "optimize", "--onnx_model", "in", "-o", out, "-O3"}, runner.commands[0].Args)

	require.NoError(t, e.Quantize(context.Background(), QuantizeRequest{Input: "in", Output: out, Target: "AVX512_VNNI", PerChannel: true}))
	assert.Equal(t, []string{"onnxruntime", "quantize", "--onnx_model", "in", "-o", out, "--avx512_vnni", "--per_channel"}, runner.commands[1].Args)

	assert.ErrorIs(t, e.Optimize(context.Background(), OptimizeRequest{Input: "in", Output: out, Level: "O9"}), ErrInvalidRequest)
	assert.ErrorIs(t, e.Quantize(context.Background(), QuantizeRequest{Input: "in", Output: out, Target: "sse"}), ErrInvalidRequest)
	assert.Len(t, runner.commands, 2)
}

func TestOptimizeDefaultLevel(t *testing.T) {
	args, err := OptimizeRequest{Input: "in", Output: "out"}.args()
	require.NoError(t, err)
	assert.Equal(t, "-O2", args[len(args)-1])
}

func TestToolErrors(t *testing.T) {
	runner := &fakeRunner{err: &exec.Error{Name: "optimum-cli", Err: exec.ErrNotFound}}
	e := New(WithRunner(runner.run))
	err := e.Optimize(context.Background(), OptimizeRequest{Input: "in", Output: "out"})
	assert.ErrorIs(t, err, ErrToolUnavailable)

	runner.err = errors.New("exit status 1")
	runner.stderr = "ValueError: unsupported task\n"
	err = e.Optimize(context.Background(), OptimizeRequest{Input: "in", Output: "out"})
	assert.ErrorIs(t, err, ErrToolFailed)
	assert.ErrorContains(t, err, "ValueError: unsupported task")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Optimize(ctx, OptimizeRequest{Input: "in", Output: "out"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMissingExecutable(t *testing.T) {
	e := New(WithCommand(filepath.Join(t.TempDir(), "no-such-optimum-cli")))
	err := e.Optimize(context.Background(), OptimizeRequest{Input: "in", Output: "out"})
	assert.ErrorIs(t, err, ErrToolUnavailable)
}

func TestCommandFromEnvironment(t *testing.T) {
	t.Setenv("OPTIMUM_CLI", "/opt/venv/bin/optimum-cli")
	assert.Equal(t, "/opt/venv/bin/optimum-cli", New().Command)
	assert.Equal(t, "custom", New(WithCommand("custom")).Command)
}

func TestPush(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	e := New(WithHubCommand("hf"), WithRunner(runner.run))
	require.NoError(t, e.Push(context.Background(), PushRequest{Dir: dir, RepoID: "org/model-onnx", Token: "secret", Private: true}))
	require.Len(t, runner.commands, 1)
	command := runner.commands[0]
	assert.Equal(t, "hf", command.Name)
	assert.Equal(t, []string{"upload", "org/model-onnx", dir, ".", "--private"}, command.Args)
	assert.Equal(t, []string{"HF_TOKEN=secret"}, command.Env)
	assert.NotContains(t, command.String(), "secret")

	err := e.Push(context.Background(), PushRequest{Dir: filepath.Join(dir, "missing"), RepoID: "org/x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	err = e.Push(context.Background(), PushRequest{Dir: dir})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSave(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "model.onnx"), []byte("onnx"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tokenizer.json"), []byte("{}"), 0o600))
	dest := filepath.Join(t.TempDir(), "saved")

	n, err := Save(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(dest, "model.onnx"))
	assert.FileExists(t, filepath.Join(dest, "tokenizer.json"))

	_, err = Save(context.Background(), "", dest)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
