//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/optimum/options"
)

type ORTModel struct {
	Destroy func() error
}

var errORTDisabled = errors.New("ORT is not enabled, build with -tags ORT")

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errORTDisabled
}

func createInputTensorsORT(_ *PipelineBatch, _ *Model) error {
	return errORTDisabled
}

func runORTSessionOnBatch(_ *PipelineBatch, _ *BasePipeline) error {
	return errORTDisabled
}

func createImageTensorsORT(_ *PipelineBatch, _ *Model, _ [][][][]float32) error {
	return errORTDisabled
}
