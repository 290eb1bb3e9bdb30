package imageutil

import (
	jsoniter "github.com/json-iterator/go"
)

// PreprocessorConfig is the subset of a preprocessor_config.json used to build the image steps.
type PreprocessorConfig struct {
	DoResize      *bool          `json:"do_resize"`
	Size          any            `json:"size"`
	DoCenterCrop  bool           `json:"do_center_crop"`
	CropSize      any            `json:"crop_size"`
	DoRescale     *bool          `json:"do_rescale"`
	RescaleFactor float32        `json:"rescale_factor"`
	DoNormalize   *bool          `json:"do_normalize"`
	ImageMean     []float32      `json:"image_mean"`
	ImageStd      []float32      `json:"image_std"`
}

func ParsePreprocessorConfig(data []byte) (*PreprocessorConfig, error) {
	config := &PreprocessorConfig{}
	if err := jsoniter.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// sizeOf reads the size forms used by image processors: a bare int,
// {"shortest_edge": n} or {"height": h, "width": w}.
func sizeOf(v any) (shortestEdge, width, height int) {
	switch s := v.(type) {
	case float64:
		return 0, int(s), int(s)
	case map[string]any:
		if e, ok := s["shortest_edge"].(float64); ok {
			shortestEdge = int(e)
		}
		if h, ok := s["height"].(float64); ok {
			height = int(h)
		}
		if w, ok := s["width"].(float64); ok {
			width = int(w)
		}
	}
	return shortestEdge, width, height
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Steps returns the preprocessing and normalization steps declared by the config.
// Missing flags default to enabled, matching the usual image processor defaults.
func (c *PreprocessorConfig) Steps() ([]PreprocessStep, []NormalizationStep) {
	var preprocess []PreprocessStep
	var normalize []NormalizationStep

	if enabled(c.DoResize) && c.Size != nil {
		shortest, w, h := sizeOf(c.Size)
		switch {
		case shortest > 0:
			preprocess = append(preprocess, ResizeStep(shortest))
		case w > 0 && h > 0:
			preprocess = append(preprocess, ExactResizeStep(w, h))
		}
	}
	if c.DoCenterCrop && c.CropSize != nil {
		_, w, h := sizeOf(c.CropSize)
		if w > 0 && h > 0 {
			preprocess = append(preprocess, CenterCropStep(w, h))
		}
	}
	if enabled(c.DoRescale) {
		factor := c.RescaleFactor
		if factor == 0 {
			factor = 1.0 / 255.0
		}
		normalize = append(normalize, RescaleFactorStep(factor))
	}
	if enabled(c.DoNormalize) && len(c.ImageMean) == 3 && len(c.ImageStd) == 3 {
		normalize = append(normalize, PixelNormalizationStep(
			[3]float32{c.ImageMean[0], c.ImageMean[1], c.ImageMean[2]},
			[3]float32{c.ImageStd[0], c.ImageStd[1], c.ImageStd[2]}))
	}
	return preprocess, normalize
}
