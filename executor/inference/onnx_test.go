package inference

import (
	"os"
	"strconv"
	"testing"

	"github.com/brensch/hexzero/executor/convert"
	"github.com/stretchr/testify/require"
)

// onnxModel finds an exported model or skips the test.
func onnxModel(tb testing.TB) (string, int) {
	tb.Helper()
	candidates := []string{"../../models/hexzero.onnx"}
	if p := os.Getenv("HEXZERO_TEST_ONNX_MODEL"); p != "" {
		candidates = append([]string{p}, candidates...)
	}
	size := 7
	if v, err := strconv.Atoi(os.Getenv("HEXZERO_TEST_ONNX_SIZE")); err == nil && v > 0 {
		size = v
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, size
		}
	}
	tb.Skip("ONNX model not found; set HEXZERO_TEST_ONNX_MODEL")
	return "", 0
}

func newOnnxEngine(tb testing.TB) *OnnxEngine {
	path, size := onnxModel(tb)
	e, err := NewOnnxEngine(path, size)
	if err != nil {
		tb.Skipf("onnx runtime unavailable: %v", err)
	}
	tb.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOnnxEngineShapes(t *testing.T) {
	e := newOnnxEngine(t)
	n := e.Size()

	const batch = 5
	input := make([]float32, batch*convert.InputSize(n))
	policy, value, err := e.Infer(input, batch)
	require.NoError(t, err)
	require.Len(t, policy, batch*n*n)
	require.Len(t, value, batch)

	_, _, err = e.Infer(input[:1], batch)
	require.Error(t, err)
}

func BenchmarkOnnxInfer(b *testing.B) {
	e := newOnnxEngine(b)
	const batch = 64
	input := make([]float32, batch*convert.InputSize(e.Size()))
	for i := range input {
		input[i] = float32(i%7) / 7.0
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := e.Infer(input, batch); err != nil {
			b.Fatalf("infer: %v", err)
		}
	}
	b.StopTimer()
	if dt := b.Elapsed().Seconds(); dt > 0 {
		b.ReportMetric(float64(b.N)*batch/dt, "inf/s")
	}
}
