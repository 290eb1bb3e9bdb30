package main

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/optimum"
	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
)

// predictor is the part of optimum.TaskPipeline the commands use.
type predictor interface {
	Run([]string) (backends.PipelineBatchOutput, error)
	GetStatistics() backends.PipelineStatistics
	Close() error
}

// newPredictor creates the pipeline of a command. Replaced in tests.
var newPredictor = func(ctx context.Context, task string, opts ...optimum.TaskOption) (predictor, error) {
	p, err := optimum.Pipeline(ctx, task, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// pipelineFlags are the flags shared by the commands that build a pipeline.
type pipelineFlags struct {
	task         string
	model        string
	accelerator  string
	export       bool
	onnxFilename string
	revision     string
	cacheDir     string
}

func (f *pipelineFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "task",
			Usage:       "Pipeline task, see the tasks command",
			Aliases:     []string{"t"},
			Destination: &f.task,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Hub model id, local directory or s3:// URL. Defaults to the default model of the task",
			Aliases:     []string{"m"},
			Destination: &f.model,
		},
		&cli.StringFlag{
			Name:        "accelerator",
			Usage:       "Runtime: go or ort",
			Aliases:     []string{"a"},
			Value:       "go",
			Destination: &f.accelerator,
		},
		&cli.BoolFlag{
			Name:        "export",
			Usage:       "Convert the model to ONNX with optimum-cli if it has no .onnx graph",
			Destination: &f.export,
		},
		&cli.StringFlag{
			Name:        "onnxFilename",
			Usage:       "The .onnx file to use when the model has several",
			Destination: &f.onnxFilename,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "Hub revision of the model",
			Destination: &f.revision,
		},
		&cli.StringFlag{
			Name:        "cacheDir",
			Usage:       "Folder where downloaded and exported models are stored. Falls back to $OPTIMUM_CACHE, then ~/.cache/optimum/models",
			Destination: &f.cacheDir,
		},
	}
}

func (f *pipelineFlags) options(c *cli.Context, cfg Config) []optimum.TaskOption {
	opts := []optimum.TaskOption{
		optimum.WithAccelerator(f.accelerator),
		optimum.WithOnnxFilename(f.onnxFilename),
		optimum.WithRevision(f.revision),
		optimum.WithAuthToken(cfg.HFToken),
	}
	if f.model != "" {
		opts = append(opts, optimum.WithModel(f.model))
	}
	// only an explicit --export overrides the default of exporting the default model of a task
	if c.IsSet("export") {
		opts = append(opts, optimum.WithExport(f.export))
	}
	cacheDir := f.cacheDir
	if cacheDir == "" {
		cacheDir = cfg.CacheDir
	}
	if cacheDir != "" {
		opts = append(opts, optimum.WithCacheDir(cacheDir))
	}
	if cfg.OnnxLibrary != "" && f.accelerator == "ort" {
		opts = append(opts, optimum.WithSessionOptions(options.WithOnnxLibraryPath(cfg.OnnxLibrary)))
	}
	opts = append(opts, optimum.WithExporter(newExporter(cfg)))
	return opts
}
