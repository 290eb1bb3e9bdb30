//go:build cgo && (ORT || ALL)

package optimum

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/fileutil"
)

// NewORTSession creates a session running models with ONNX Runtime. Only one ORT session can be active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendORT, ortSession, opts...)
}

func ortSession(session *Session) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	// set session options and initialise
	if initialised, err := session.initialiseORT(); err != nil {
		if initialised {
			destroyErr := session.Destroy()
			envErr := ort.DestroyEnvironment()
			return nil, errors.Join(err, destroyErr, envErr)
		}
		return nil, err
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}
	return session, nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// Create session options for use in all pipelines
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.BackendOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	if err := appendProviders(sessionOptions, o); err != nil {
		return true, err
	}
	return true, nil
}

// appendProviders registers the requested execution providers, in the order reported by OrtOptions.Providers.
func appendProviders(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	for _, provider := range o.Providers() {
		var err error
		switch provider {
		case "CUDA":
			err = appendCUDA(sessionOptions, o.CudaOptions)
		case "CoreML":
			err = sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLOptions)
		case "DirectML":
			err = sessionOptions.AppendExecutionProviderDirectML(*o.DirectMLOptions)
		case "OpenVINO":
			err = sessionOptions.AppendExecutionProviderOpenVINO(o.OpenVINOOptions)
		case "TensorRT":
			err = appendTensorRT(sessionOptions, o.TensorRTOptions)
		}
		if err != nil {
			return fmt.Errorf("enabling %s execution provider: %w", provider, err)
		}
	}
	return nil
}

func appendCUDA(sessionOptions *ort.SessionOptions, settings map[string]string) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	if len(settings) > 0 {
		if err = cudaOptions.Update(settings); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
}

func appendTensorRT(sessionOptions *ort.SessionOptions, settings map[string]string) error {
	tensorRTOptions, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return err
	}
	defer tensorRTOptions.Destroy()
	if len(settings) > 0 {
		if err = tensorRTOptions.Update(settings); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions)
}
