package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/optimum/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var runFlags pipelineFlags

var (
	inputPath  string
	outputPath string
	batchSize  int
	nWorkers   int
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a task pipeline on input data",
	Description: `Run expects a path to a file with input in .jsonl format. Each json line in the file must be of the format {"input": "input string"} to be processed.
				Question answering inputs are objects: {"input": {"question": "...", "context": "..."}}. Image classification inputs are image paths.
				`,
	ArgsUsage: `
				--input: path to a .jsonl file or a folder with .jsonl files to process. If omitted, the input will be read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--model: hub model id or path to a model folder. The cli first uses the provided path, then looks for the model in the cache,
				and finally downloads it from the hub, converting it to ONNX with --export when it has no .onnx file.
				`,
	Flags: append(runFlags.flags(),
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of inputs to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of batches processed concurrently",
			Aliases:     []string{"w"},
			Destination: &nWorkers,
			Value:       1,
		},
	),
	Action: func(c *cli.Context) (err error) {
		if batchSize < 1 || nWorkers < 1 {
			return errors.New("batchSize and workers must be positive")
		}
		p, err := newPredictor(c.Context, runFlags.task, runFlags.options(c, config)...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, p.Close())
		}()

		var writer io.Writer = c.App.Writer
		if outputPath != "" {
			fileWriter, writerErr := fileutil.NewFileWriter(c.Context, fileutil.PathJoinSafe(outputPath, "result-0.jsonl"))
			if writerErr != nil {
				return writerErr
			}
			defer func() {
				err = errors.Join(err, fileWriter.Close())
			}()
			writer = fileWriter
		}

		var stdin io.Reader
		if inputPath == "" && !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			stdin = os.Stdin
		}
		return runPipeline(c.Context, p, inputPath, stdin, writer)
	},
}

type input struct {
	Input  any `json:"input"`
	Output any `json:"output"`
}

// text returns the pipeline input of a line: strings are passed as is, objects as their json encoding.
func (i input) text() (string, error) {
	if s, ok := i.Input.(string); ok {
		return s, nil
	}
	if i.Input == nil {
		return "", errors.New(`input line has no "input" field`)
	}
	encoded, err := json.Marshal(i.Input)
	return string(encoded), err
}

// runPipeline reads jsonl inputs from inputPath (a file or a folder walked recursively) or else from stdin,
// runs them through p in batches on nWorkers goroutines and writes one jsonl result per input to writer.
func runPipeline(ctx context.Context, p predictor, inputPath string, stdin io.Reader, writer io.Writer) error {
	inputChannel := make(chan []input, 1000)
	processedChannel := make(chan []byte, 1000)
	var failed atomic.Int64
	var processedWg, writeWg sync.WaitGroup

	for range nWorkers {
		processedWg.Add(1)
		go processWithPipeline(&processedWg, inputChannel, processedChannel, &failed, p)
	}
	writeWg.Add(1)
	var writeErr error
	go func() {
		writeErr = writeOutputs(&writeWg, processedChannel, writer)
	}()

	readErr := readAll(ctx, inputPath, stdin, inputChannel)
	close(inputChannel)
	processedWg.Wait()
	close(processedChannel)
	writeWg.Wait()

	err := errors.Join(readErr, writeErr)
	if n := failed.Load(); n > 0 {
		err = errors.Join(err, fmt.Errorf("%d inputs failed", n))
	}
	return err
}

func readAll(ctx context.Context, inputPath string, stdin io.Reader, inputChannel chan []input) error {
	if inputPath == "" {
		if stdin == nil {
			return nil
		}
		return readInputs(stdin, inputChannel)
	}
	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	fileWalker := func(_ context.Context, _, _ string, info os.FileInfo, reader io.Reader) (bool, error) {
		if filepath.Ext(info.Name()) == ".jsonl" {
			if err := readInputs(reader, inputChannel); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return fileutil.WalkDir()(ctx, inputPath, fileWalker)
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, writeTarget io.Writer) error {
	defer wg.Done()
	var err error
	for output := range processedChannel {
		if err != nil {
			// keep draining so that workers never block
			continue
		}
		if _, err = writeTarget.Write(output); err == nil {
			_, err = writeTarget.Write([]byte("\n"))
		}
	}
	return err
}

func processWithPipeline(wg *sync.WaitGroup, inputChannel chan []input, processedChannel chan []byte, failed *atomic.Int64, p predictor) {
	defer wg.Done()
	for inputBatch := range inputChannel {
		inputStrings := make([]string, len(inputBatch))
		var convErr error
		for i := range inputBatch {
			inputStrings[i], convErr = inputBatch[i].text()
			if convErr != nil {
				break
			}
		}
		if convErr != nil {
			log.Error().Err(convErr).Int("inputs", len(inputBatch)).Msg("invalid input batch")
			failed.Add(int64(len(inputBatch)))
			continue
		}
		output, err := p.Run(inputStrings)
		if err != nil {
			log.Error().Err(err).Int("inputs", len(inputBatch)).Msg("pipeline failed on batch")
			failed.Add(int64(len(inputBatch)))
			continue
		}
		for i, batchOutput := range output.GetOutput() {
			out := inputBatch[i]
			out.Output = batchOutput
			outputBytes, marshallErr := json.Marshal(out)
			if marshallErr != nil {
				log.Error().Err(marshallErr).Msg("cannot encode output")
				failed.Add(1)
				continue
			}
			processedChannel <- outputBytes
		}
	}
}

func readInputs(inputSource io.Reader, inputChannel chan []input) error {
	inputBatch := make([]input, 0, batchSize)

	scanner := bufio.NewScanner(inputSource)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line input
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return err
		}
		inputBatch = append(inputBatch, line)
		if len(inputBatch) == batchSize {
			inputChannel <- inputBatch
			inputBatch = make([]input, 0, batchSize)
		}
	}
	// flush
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return scanner.Err()
}
