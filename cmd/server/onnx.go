//go:build !windows

package main

import (
	"log"

	ort "github.com/yalue/onnxruntime_go"
)

// initOnnxRuntime loads the onnxruntime shared library and returns the
// teardown to defer.
func initOnnxRuntime(dylib string) func() {
	if dylib == "" {
		log.Fatalf("ONNX_RUNTIME_DYLIB must be set for the onnx backend")
	}

	ort.SetSharedLibraryPath(dylib)
	if err := ort.InitializeEnvironment(); err != nil {
		log.Fatalf("could not init ONNX Runtime: %v", err)
	}

	return func() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Fatalf("error destroying onnx env: %v", err)
		}
	}
}
