package imageutil

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"

	"github.com/knights-analytics/optimum/util/fileutil"
)

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("decoding image %s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// ResizePreprocessor resizes the shortest edge to targetSize keeping the aspect ratio.
type ResizePreprocessor struct {
	targetSize int
}

func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot resize empty image")
	}
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return resizeImage(img, newW, newH), nil
}

// ExactResizePreprocessor resizes to a fixed width and height, ignoring the aspect ratio.
type ExactResizePreprocessor struct {
	width  int
	height int
}

func ExactResizeStep(width, height int) *ExactResizePreprocessor {
	return &ExactResizePreprocessor{width: width, height: height}
}

func (s *ExactResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("cannot resize empty image")
	}
	return resizeImage(img, s.width, s.height), nil
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	dst := image.NewRGBA(image.Rect(0, 0, s.targetWidth, s.targetHeight))
	for y := 0; y < s.targetHeight; y++ {
		for x := 0; x < s.targetWidth; x++ {
			dst.Set(x, y, img.At(x0+x, y0+y))
		}
	}
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: [3]float32{0.485, 0.456, 0.406},
		std:  [3]float32{0.229, 0.224, 0.225},
	}
}

type RescalePreprocessor struct {
	factor float32
}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return r * s.factor, g * s.factor, b * s.factor
}

// RescaleStep maps 0-255 pixel values to 0-1.
func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{factor: 1.0 / 255.0}
}

func RescaleFactorStep(factor float32) *RescalePreprocessor {
	return &RescalePreprocessor{factor: factor}
}

// resizeImage resizes an image to the given width and height using nearest neighbor.
func resizeImage(img image.Image, newW, newH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	srcBounds := img.Bounds()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			srcX := srcBounds.Min.X + x*srcBounds.Dx()/newW
			srcY := srcBounds.Min.Y + y*srcBounds.Dy()/newH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

// ToTensor applies the preprocessing steps to img, then converts it to a float tensor with the
// normalization steps applied per pixel. format is "NCHW" (channels first) or "NHWC".
func ToTensor(img image.Image, preprocessSteps []PreprocessStep, normalizationSteps []NormalizationStep, format string) ([][][]float32, error) {
	processed := img
	for _, step := range preprocessSteps {
		var err error
		processed, err = step.Apply(processed)
		if err != nil {
			return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
		}
	}

	bounds := processed.Bounds()
	hh, ww := bounds.Dy(), bounds.Dx()
	channelsLast := format == "NHWC"

	var tensor [][][]float32
	if channelsLast {
		tensor = make([][][]float32, hh)
		for y := range hh {
			tensor[y] = make([][]float32, ww)
			for x := range ww {
				tensor[y][x] = make([]float32, 3)
			}
		}
	} else {
		tensor = make([][][]float32, 3)
		for ch := range 3 {
			tensor[ch] = make([][]float32, hh)
			for y := range hh {
				tensor[ch][y] = make([]float32, ww)
			}
		}
	}

	for y := range hh {
		for x := range ww {
			r, g, b, _ := processed.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r >> 8)
			gf := float32(g >> 8)
			bf := float32(b >> 8)
			for _, step := range normalizationSteps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			if channelsLast {
				tensor[y][x][0], tensor[y][x][1], tensor[y][x][2] = rf, gf, bf
			} else {
				tensor[0][y][x], tensor[1][y][x], tensor[2][y][x] = rf, gf, bf
			}
		}
	}
	return tensor, nil
}
