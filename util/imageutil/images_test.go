package imageutil

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestResizeKeepsAspectRatio(t *testing.T) {
	out, err := ResizeStep(10).Apply(solidImage(40, 20, color.White))
	require.NoError(t, err)
	assert.Equal(t, 20, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())
}

func TestCenterCrop(t *testing.T) {
	out, err := CenterCropStep(4, 4).Apply(solidImage(10, 8, color.White))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
}

func TestToTensor(t *testing.T) {
	img := solidImage(2, 3, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	tensor, err := ToTensor(img, nil, []NormalizationStep{RescaleStep()}, "NCHW")
	require.NoError(t, err)
	require.Len(t, tensor, 3)
	require.Len(t, tensor[0], 3)
	require.Len(t, tensor[0][0], 2)
	assert.InDelta(t, 1.0, tensor[0][1][1], 1e-6)
	assert.InDelta(t, 0.0, tensor[1][1][1], 1e-6)
	assert.InDelta(t, 0.2, tensor[2][1][1], 1e-6)

	nhwc, err := ToTensor(img, nil, nil, "NHWC")
	require.NoError(t, err)
	require.Len(t, nhwc, 3)
	assert.Equal(t, []float32{255, 0, 51}, nhwc[0][0])
}

func TestPreprocessorConfigSteps(t *testing.T) {
	config, err := ParsePreprocessorConfig([]byte(`{
		"do_resize": true,
		"size": {"height": 224, "width": 224},
		"do_rescale": true,
		"rescale_factor": 0.00392156862745098,
		"do_normalize": true,
		"image_mean": [0.5, 0.5, 0.5],
		"image_std": [0.5, 0.5, 0.5]
	}`))
	require.NoError(t, err)
	pre, norm := config.Steps()
	require.Len(t, pre, 1)
	require.Len(t, norm, 2)

	tensor, err := ToTensor(solidImage(300, 200, color.White), pre, norm, "NCHW")
	require.NoError(t, err)
	assert.Len(t, tensor[0], 224)
	assert.Len(t, tensor[0][0], 224)
	assert.InDelta(t, 1.0, tensor[0][0][0], 1e-5)

	shortest, err := ParsePreprocessorConfig([]byte(`{"size": {"shortest_edge": 256}, "do_center_crop": true, "crop_size": 224, "do_normalize": false}`))
	require.NoError(t, err)
	pre, norm = shortest.Steps()
	assert.Len(t, pre, 2)
	assert.Len(t, norm, 1)
}

func TestLoadImagesFromPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solidImage(3, 3, color.Black)))
	require.NoError(t, f.Close())

	images, err := LoadImagesFromPaths([]string{path})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, 3, images[0].Bounds().Dx())

	_, err = LoadImagesFromPaths([]string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
}
