package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/brensch/hexzero/executor/convert"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

// OnnxEngine runs an exported policy/value model through ONNX Runtime. The
// graph takes "input" [batch, 3, n, n] and produces "policy" [batch, n*n]
// and "value" [batch, 1].
type OnnxEngine struct {
	session *ort.DynamicAdvancedSession
	size    int
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxEngine(modelPath string, boardSize int) (*OnnxEngine, error) {
	if boardSize < 1 {
		return nil, fmt.Errorf("onnx engine: board size %d", boardSize)
	}
	if err := initRuntime(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// one thread per session; parallelism comes from pool replicas
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err == nil {
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			log.Debug().Err(err).Msg("cuda provider unavailable, using cpu")
		} else {
			log.Info().Msg("cuda provider enabled")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, []string{"policy", "value"}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &OnnxEngine{session: session, size: boardSize}, nil
}

func initRuntime() error {
	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else if p := findSharedLibrary(); p != "" {
			ort.SetSharedLibraryPath(p)
		}
	}
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("failed to init ort: %w", ortInitErr)
	}
	return nil
}

// findSharedLibrary looks for libonnxruntime in the working directory and
// its parents.
func findSharedLibrary() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	candidates := []string{"libonnxruntime.so", "libonnxruntime.so.1"}
	for up := 0; up < 6; up++ {
		for _, name := range candidates {
			abs := filepath.Join(dir, name)
			if _, err := os.Stat(abs); err == nil {
				return abs
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	// CUDA shared libraries installed by pip inside the project's .venv.
	candidateDirs := []string{cwd}
	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "onnxruntime", "capi"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p != "" {
			existingSet[p] = true
		}
	}

	var toAdd []string
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

func (e *OnnxEngine) Size() int { return e.size }

func (e *OnnxEngine) Close() error {
	return e.session.Destroy()
}

func (e *OnnxEngine) Infer(input []float32, batch int) ([]float32, []float32, error) {
	n := int64(e.size)
	b := int64(batch)
	if len(input) != batch*convert.InputSize(e.size) {
		return nil, nil, fmt.Errorf("onnx engine: input has %d floats for batch %d", len(input), batch)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(b, convert.Planes, n, n), input)
	if err != nil {
		return nil, nil, err
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b, n*n))
	if err != nil {
		return nil, nil, err
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b, 1))
	if err != nil {
		return nil, nil, err
	}
	defer valueTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, nil, fmt.Errorf("onnx run: %w", err)
	}

	// tensor memory is freed on Destroy
	policy := append([]float32(nil), policyTensor.GetData()...)
	value := append([]float32(nil), valueTensor.GetData()...)
	return policy, value, nil
}
