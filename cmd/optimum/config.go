package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
)

// Config holds the settings read from the environment. Command line flags override them.
type Config struct {
	CacheDir    string `env:"OPTIMUM_CACHE"`
	Command     string `env:"OPTIMUM_CLI" envDefault:"optimum-cli"`
	HFToken     string `env:"HF_TOKEN"`
	OnnxLibrary string `env:"ONNXRUNTIME_LIB"`
	LogLevel    string `env:"OPTIMUM_LOG_LEVEL" envDefault:"info"`
	Addr        string `env:"OPTIMUM_ADDR" envDefault:":8080"`
}

// loadConfig parses the environment, after loading envFile into it when given.
// Variables already set in the environment take precedence over the file.
func loadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// configureLogging sets the level of the default logger. Logs go to stderr, so that stdout only carries results.
func configureLogging(level string) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.DefaultLogger.Writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true, EndWithMessage: true}
	} else {
		log.DefaultLogger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	log.DefaultLogger.SetLevel(log.ParseLevel(level))
}
