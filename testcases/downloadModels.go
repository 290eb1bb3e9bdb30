package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/knights-analytics/optimum/hub"
	"github.com/knights-analytics/optimum/util/checks"
	"github.com/knights-analytics/optimum/util/fileutil"
)

// download the test models.

type downloadModel struct {
	name         string
	onnxFilePath string
}

var models = []downloadModel{
	{name: "KnightsAnalytics/all-MiniLM-L6-v2"},
	{name: "KnightsAnalytics/distilbert-base-uncased-finetuned-sst-2-english"},
	{name: "KnightsAnalytics/distilbert-NER"},
	{name: "KnightsAnalytics/deberta-v3-base-zeroshot-v1"},
	{name: "KnightsAnalytics/resnet50"},
	{name: "Xenova/distilbert-base-cased-distilled-squad", onnxFilePath: "onnx/model.onnx"},
	{name: "Xenova/bert-base-cased", onnxFilePath: "onnx/model.onnx"},
	{name: "Xenova/distilgpt2", onnxFilePath: "onnx/decoder_model.onnx"},
}

// Additional files to download (direct URLs).
var extraFiles = []struct {
	url, dest string
}{
	// Cat image from HuggingFace cats-image dataset
	{"https://huggingface.co/datasets/huggingface/cats-image/resolve/main/cats_image.jpeg", "./models/imageData/cat.jpg"},
}

func main() {
	ctx := context.Background()
	checks.Check(os.MkdirAll("./models/imageData", os.ModePerm))
	for _, model := range models {
		exists, err := fileutil.DirExists(ctx, hub.CachePath("./models", model.name))
		checks.Check(err)
		if exists {
			continue
		}
		options := hub.NewDownloadOptions()
		options.OnnxFilePath = model.onnxFilePath
		options.AuthToken = os.Getenv("HF_TOKEN")
		fmt.Printf("Downloading %s\n", model.name)
		outPath, dlErr := hub.Download(ctx, model.name, "./models", options)
		checks.CheckWithMessage(dlErr, "downloading "+model.name)
		fmt.Printf("Downloaded %s to %s\n", model.name, outPath)
	}

	for _, f := range extraFiles {
		if exists, _ := fileutil.FileExists(f.dest); !exists {
			checks.CheckWithMessage(downloadFile(ctx, f.url, f.dest), "downloading "+f.url)
		}
	}
}

// downloadFile downloads a file from a URL to a destination path.
func downloadFile(ctx context.Context, url string, dest string) (err error) {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil) // #nosec G107 Users may choose to download models from internal sources
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}

	_, err = io.Copy(out, resp.Body)
	return err
}
