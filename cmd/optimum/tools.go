package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/optimum/exporters"
	"github.com/knights-analytics/optimum/tasks"
)

// newExporter builds the exporter used by the commands. Replaced in tests.
var newExporter = func(cfg Config) *exporters.Exporter {
	return exporters.New(exporters.WithCommand(cfg.Command))
}

var exportArgs struct {
	model           string
	task            string
	output          string
	opset           int
	device          string
	fp16            bool
	monolith        bool
	trustRemoteCode bool
	revision        string
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Convert a hub or local checkpoint to ONNX with optimum-cli",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Hub model id or local checkpoint", Required: true, Destination: &exportArgs.model},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output directory", Required: true, Destination: &exportArgs.output},
		&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Task to export for. Inferred by optimum-cli when omitted", Destination: &exportArgs.task},
		&cli.IntFlag{Name: "opset", Usage: "ONNX opset version", Destination: &exportArgs.opset},
		&cli.StringFlag{Name: "device", Usage: "Device used for the export, cpu or cuda", Destination: &exportArgs.device},
		&cli.BoolFlag{Name: "fp16", Usage: "Export in half precision, requires --device cuda", Destination: &exportArgs.fp16},
		&cli.BoolFlag{Name: "monolith", Usage: "Export a single graph even for encoder-decoder models", Destination: &exportArgs.monolith},
		&cli.BoolFlag{Name: "trust-remote-code", Usage: "Allow custom modeling code from the hub", Destination: &exportArgs.trustRemoteCode},
		&cli.StringFlag{Name: "revision", Usage: "Hub revision", Destination: &exportArgs.revision},
	},
	Action: func(c *cli.Context) error {
		return newExporter(config).Export(c.Context, exporters.ExportRequest{
			Model:           exportArgs.model,
			Task:            exportTask(exportArgs.task),
			Output:          exportArgs.output,
			Opset:           exportArgs.opset,
			Device:          exportArgs.device,
			FP16:            exportArgs.fp16,
			Monolith:        exportArgs.monolith,
			TrustRemoteCode: exportArgs.trustRemoteCode,
			Revision:        exportArgs.revision,
		})
	},
}

// exportTask maps pipeline task names and aliases to the task name optimum-cli expects.
// Unknown names are passed through unchanged.
func exportTask(tag string) string {
	if tag == "" {
		return ""
	}
	task, err := tasks.Normalize(tag)
	if err != nil {
		return tag
	}
	definition, _ := tasks.Lookup(task)
	return definition.ExportTask
}

var optimizeArgs struct {
	input  string
	output string
	level  string
}

var optimizeCommand = &cli.Command{
	Name:  "optimize",
	Usage: "Apply onnxruntime graph optimizations to an exported model",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "Exported model directory", Required: true, Destination: &optimizeArgs.input},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output directory", Required: true, Destination: &optimizeArgs.output},
		&cli.StringFlag{
			Name:        "level",
			Aliases:     []string{"O"},
			Usage:       "Optimization level, one of " + strings.Join(exporters.OptimizationLevels, ", "),
			Value:       "O2",
			Destination: &optimizeArgs.level,
		},
	},
	Action: func(c *cli.Context) error {
		return newExporter(config).Optimize(c.Context, exporters.OptimizeRequest{
			Input:  optimizeArgs.input,
			Output: optimizeArgs.output,
			Level:  optimizeArgs.level,
		})
	},
}

var quantizeArgs struct {
	input      string
	output     string
	target     string
	perChannel bool
}

var quantizeCommand = &cli.Command{
	Name:  "quantize",
	Usage: "Apply dynamic quantization to an exported model",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "Exported model directory", Required: true, Destination: &quantizeArgs.input},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output directory", Required: true, Destination: &quantizeArgs.output},
		&cli.StringFlag{
			Name:        "target",
			Usage:       "Quantization target, one of " + strings.Join(exporters.QuantizationTargets, ", "),
			Required:    true,
			Destination: &quantizeArgs.target,
		},
		&cli.BoolFlag{Name: "per-channel", Usage: "Quantize weights per channel", Destination: &quantizeArgs.perChannel},
	},
	Action: func(c *cli.Context) error {
		return newExporter(config).Quantize(c.Context, exporters.QuantizeRequest{
			Input:      quantizeArgs.input,
			Output:     quantizeArgs.output,
			Target:     quantizeArgs.target,
			PerChannel: quantizeArgs.perChannel,
		})
	},
}

var pushArgs struct {
	dir     string
	repo    string
	token   string
	private bool
}

var pushCommand = &cli.Command{
	Name:  "push",
	Usage: "Upload a model directory to a Hugging Face Hub repository",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "Model directory", Required: true, Destination: &pushArgs.dir},
		&cli.StringFlag{Name: "repo", Aliases: []string{"r"}, Usage: "Repository id, e.g. user/model", Required: true, Destination: &pushArgs.repo},
		&cli.StringFlag{Name: "token", Usage: "Hub token. Defaults to $HF_TOKEN", Destination: &pushArgs.token},
		&cli.BoolFlag{Name: "private", Usage: "Create the repository as private", Destination: &pushArgs.private},
	},
	Action: func(c *cli.Context) error {
		token := pushArgs.token
		if token == "" {
			token = config.HFToken
		}
		return newExporter(config).Push(c.Context, exporters.PushRequest{
			Dir:     pushArgs.dir,
			RepoID:  pushArgs.repo,
			Token:   token,
			Private: pushArgs.private,
		})
	},
}

var saveArgs struct {
	dir  string
	dest string
}

var saveCommand = &cli.Command{
	Name:  "save",
	Usage: "Copy a model directory to a local folder or an s3:// URL",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "Model directory", Required: true, Destination: &saveArgs.dir},
		&cli.StringFlag{Name: "dest", Usage: "Destination folder or URL", Required: true, Destination: &saveArgs.dest},
	},
	Action: func(c *cli.Context) error {
		n, err := exporters.Save(c.Context, saveArgs.dir, saveArgs.dest)
		if err != nil {
			return err
		}
		log.Debug().Int("files", n).Msg("save done")
		return nil
	},
}

var tasksCommand = &cli.Command{
	Name:  "tasks",
	Usage: "List the supported tasks, their aliases and default models",
	Action: func(c *cli.Context) error {
		w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
		if _, err := fmt.Fprintln(w, "TASK\tALIASES\tINPUT\tDEFAULT MODEL"); err != nil {
			return err
		}
		for _, task := range tasks.Supported() {
			definition, _ := tasks.Lookup(task)
			aliases := strings.Join(tasks.Aliases(task), ",")
			if aliases == "" {
				aliases = "-"
			}
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", task, aliases, definition.Input, definition.DefaultModel); err != nil {
				return err
			}
		}
		return w.Flush()
	},
}
