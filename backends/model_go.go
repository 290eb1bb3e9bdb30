package backends

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GoModel runs ONNX graphs with the pure Go gonnx interpreter.
type GoModel struct {
	Session *gonnx.Model
}

func createGoModelBackend(model *Model) error {
	session, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return fmt.Errorf("loading %s with gonnx: %w", model.OnnxPath, err)
	}
	model.GoModel = &GoModel{Session: session}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(session)
	return nil
}

func loadInputOutputMetaGo(session *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo
	inputShapes := session.InputShapes()
	for _, name := range session.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicAsMinusOne(y.Size)
		}
		inputs = append(inputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	outputShapes := session.OutputShapes()
	for _, name := range session.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = dynamicAsMinusOne(y.Size)
		}
		outputs = append(outputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	return inputs, outputs
}

// dynamicAsMinusOne reports symbolic dimensions as -1, the convention of onnxruntime.
func dynamicAsMinusOne(size int64) int64 {
	if size <= 0 {
		return -1
	}
	return size
}

func createInputTensorsGo(batch *PipelineBatch, model *Model) error {
	masks := buildPaddingMasks(batch)
	inputMap := map[string]tensor.Tensor{}
	for _, inputMeta := range model.InputsMeta {
		backing, err := buildTextInputBacking(batch, model, inputMeta.Name, masks)
		if err != nil {
			return err
		}
		inputMap[inputMeta.Name] = tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(len(batch.Input), batch.MaxSequenceLength),
			tensor.WithBacking(backing),
		)
	}
	batch.InputValues = inputMap
	batch.PaddingMask = masks
	batch.DestroyInputs = func() error {
		batch.InputValues = nil
		return nil
	}
	return nil
}

func createImageTensorsGo(batch *PipelineBatch, model *Model, preprocessed [][][][]float32) error {
	backing, shape, err := flattenImages(preprocessed)
	if err != nil {
		return err
	}
	inputMap := map[string]tensor.Tensor{}
	for _, inputMeta := range model.InputsMeta {
		if !isImageInput(inputMeta.Name) {
			return fmt.Errorf("unrecognized image model input %q", inputMeta.Name)
		}
		inputMap[inputMeta.Name] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])),
			tensor.WithBacking(backing),
		)
	}
	batch.InputValues = inputMap
	batch.DestroyInputs = func() error {
		batch.InputValues = nil
		return nil
	}
	return nil
}

func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputs, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return errors.New("batch.InputValues has incorrect type")
	}
	outputs, err := p.Model.GoModel.Session.Run(inputs)
	if err != nil {
		return err
	}
	convertedOutput := make([]any, len(p.Model.OutputsMeta))
	for i, meta := range p.Model.OutputsMeta {
		t, exists := outputs[meta.Name]
		if !exists {
			return fmt.Errorf("output %s missing from gonnx results", meta.Name)
		}
		shape := make([]int64, len(t.Shape()))
		for j, d := range t.Shape() {
			shape[j] = int64(d)
		}
		switch data := t.Data().(type) {
		case []float32:
			convertedOutput[i], err = ReshapeOutput(data, shape, batch.PaddingMask)
		case []int64:
			convertedOutput[i], err = ReshapeOutput(data, shape, batch.PaddingMask)
		case float32:
			convertedOutput[i] = [][]float32{{data}}
		default:
			err = fmt.Errorf("output %s has unsupported type %T", meta.Name, data)
		}
		if err != nil {
			return err
		}
	}
	batch.OutputValues = convertedOutput
	return nil
}
