package pipelines

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/optimum/backends"
)

// runBatch drives one batch through preprocess, forward and postprocess and always releases its input tensors.
func runBatch[O any](size int,
	preprocess func(*backends.PipelineBatch) error,
	forward func(*backends.PipelineBatch) error,
	postprocess func(*backends.PipelineBatch) (O, error),
) (result O, err error) {
	batch := backends.NewBatch(size)
	defer func() {
		err = errors.Join(err, batch.Destroy())
	}()
	if err = preprocess(batch); err != nil {
		return result, err
	}
	if err = forward(batch); err != nil {
		return result, err
	}
	return postprocess(batch)
}

// tokenizeBatch tokenizes inputs and builds the text tensors of the batch.
func tokenizeBatch(p *backends.BasePipeline, batch *backends.PipelineBatch, inputs []string) error {
	if err := backends.TokenizeInputs(batch, p.Model.Tokenizer, inputs); err != nil {
		return err
	}
	return backends.CreateInputTensors(batch, p.Model, p.Runtime)
}

// tokenizePairBatch is tokenizeBatch for (first, second) text pairs.
func tokenizePairBatch(p *backends.BasePipeline, batch *backends.PipelineBatch, pairs [][2]string) error {
	if err := backends.TokenizePairs(batch, p.Model.Tokenizer, pairs, pairSeparator(p.Model)); err != nil {
		return err
	}
	return backends.CreateInputTensors(batch, p.Model, p.Runtime)
}

// pairSeparator is the text placed between the two sequences of a pair. BERT-style tokenizers
// recognise [SEP] and RoBERTa/BART ones use </s></s>.
func pairSeparator(model *backends.Model) string {
	switch model.SeparatorToken {
	case "":
		return " [SEP] "
	case "</s>":
		return "</s></s>"
	}
	return " " + model.SeparatorToken + " "
}

func requireTokenizer(model *backends.Model, task string) error {
	if model.Tokenizer == nil {
		return fmt.Errorf("%s pipeline requires a tokenizer", task)
	}
	return nil
}

// outputIndex returns the position of the named model output, or 0 when name is empty.
func outputIndex(model *backends.Model, name string) (int, error) {
	if name == "" {
		if len(model.OutputsMeta) == 0 {
			return 0, errors.New("model has no outputs")
		}
		return 0, nil
	}
	for i, meta := range model.OutputsMeta {
		if meta.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("output %s is not available, outputs are: %v", name, backends.GetNames(model.OutputsMeta))
}

func outputAt(batch *backends.PipelineBatch, index int) (any, error) {
	if index >= len(batch.OutputValues) {
		return nil, fmt.Errorf("output %d requested but the model returned %d outputs", index, len(batch.OutputValues))
	}
	return batch.OutputValues[index], nil
}

func logits2D(batch *backends.PipelineBatch, index int) ([][]float32, error) {
	output, err := outputAt(batch, index)
	if err != nil {
		return nil, err
	}
	v, ok := output.([][]float32)
	if !ok {
		return nil, fmt.Errorf("expected 2D float output, got type %T", output)
	}
	return v, nil
}

func logits3D(batch *backends.PipelineBatch, index int) ([][][]float32, error) {
	output, err := outputAt(batch, index)
	if err != nil {
		return nil, err
	}
	v, ok := output.([][][]float32)
	if !ok {
		return nil, fmt.Errorf("expected 3D float output, got type %T", output)
	}
	return v, nil
}

// labelFor maps a class index to its id2label entry, falling back to LABEL_<i>.
func labelFor(idLabelMap map[int]string, index int) string {
	if label, ok := idLabelMap[index]; ok {
		return label
	}
	return fmt.Sprintf("LABEL_%d", index)
}
