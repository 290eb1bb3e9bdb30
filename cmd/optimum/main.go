package main

import (
	"os"

	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
)

// config is loaded before any command runs.
var config Config

var envFile string

func newApp() *cli.App {
	return &cli.App{
		Name:  "optimum",
		Usage: "Hugging Face task pipelines on ONNX Runtime from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "Load environment variables from this file",
				Destination: &envFile,
			},
		},
		Before: func(_ *cli.Context) error {
			var err error
			config, err = loadConfig(envFile)
			if err != nil {
				return err
			}
			configureLogging(config.LogLevel)
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			serveCommand,
			exportCommand,
			optimizeCommand,
			quantizeCommand,
			pushCommand,
			saveCommand,
			tasksCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("optimum failed")
		os.Exit(1)
	}
}
