//go:build windows

package main

import "log"

func initOnnxRuntime(dylib string) func() {
	log.Fatalf("the onnx backend is not supported on windows")
	return func() {}
}
