//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/optimum/options"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, options *options.Options) error {
	sessionOptions, ok := options.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options are not initialised")
	}

	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func createInputTensorsORT(batch *PipelineBatch, model *Model) error {
	masks := buildPaddingMasks(batch)
	inputVals := make([]ort.Value, 0, len(model.InputsMeta))
	destroy := func() error {
		var agg error
		for _, t := range inputVals {
			agg = errors.Join(agg, t.Destroy())
		}
		return agg
	}
	for _, meta := range model.InputsMeta {
		backing, err := buildTextInputBacking(batch, model, meta.Name, masks)
		if err != nil {
			return errors.Join(err, destroy())
		}
		t, err := ort.NewTensor(ort.NewShape(int64(len(batch.Input)), int64(batch.MaxSequenceLength)), backing)
		if err != nil {
			return errors.Join(err, destroy())
		}
		inputVals = append(inputVals, t)
	}
	batch.InputValues = inputVals
	batch.PaddingMask = masks
	batch.DestroyInputs = func() error {
		err := destroy()
		batch.DestroyInputs = func() error { return nil }
		return err
	}
	return nil
}

func createImageTensorsORT(batch *PipelineBatch, model *Model, preprocessed [][][][]float32) error {
	backing, shape, err := flattenImages(preprocessed)
	if err != nil {
		return err
	}
	imgTensor, err := ort.NewTensor(ort.NewShape(shape...), backing)
	if err != nil {
		return err
	}
	values := make([]ort.Value, len(model.InputsMeta))
	for i, meta := range model.InputsMeta {
		if !isImageInput(meta.Name) {
			return errors.Join(fmt.Errorf("unrecognized image model input %q", meta.Name), imgTensor.Destroy())
		}
		values[i] = imgTensor
	}
	batch.InputValues = values
	batch.DestroyInputs = func() error {
		batch.DestroyInputs = func() error { return nil }
		return imgTensor.Destroy()
	}
	return nil
}

func runORTSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputs, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return errors.New("batch.InputValues has incorrect type")
	}
	// nil outputs are allocated by onnxruntime with the shapes it computes
	outputTensors := make([]ort.Value, len(p.Model.OutputsMeta))
	if err := p.Model.ORTModel.Session.Run(inputs, outputTensors); err != nil {
		return err
	}
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				_ = t.Destroy()
			}
		}
	}()

	convertedOutput := make([]any, len(outputTensors))
	for i, t := range outputTensors {
		var err error
		switch v := t.(type) {
		case *ort.Tensor[float32]:
			convertedOutput[i], err = ReshapeOutput(v.GetData(), v.GetShape(), batch.PaddingMask)
		case *ort.Tensor[int64]:
			convertedOutput[i], err = ReshapeOutput(v.GetData(), v.GetShape(), batch.PaddingMask)
		default:
			err = fmt.Errorf("output %s has unsupported type %T", p.Model.OutputsMeta[i].Name, t)
		}
		if err != nil {
			return err
		}
	}
	batch.OutputValues = convertedOutput
	return nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}
