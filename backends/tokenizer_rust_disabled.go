//go:build !cgo || (!ORT && !ALL)

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *Model) error {
	return errors.New("rust tokenizer is not enabled, build with -tags ORT")
}

func tokenizeInputsRust(_ *PipelineBatch, _ *Tokenizer, _ []string) error {
	return errors.New("rust tokenizer is not enabled, build with -tags ORT")
}

func decodeRust(_ []uint32, _ *Tokenizer, _ bool) string {
	return ""
}
