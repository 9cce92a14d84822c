package detections

import (
	"fmt"
	"image"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// Preprocessor turns a letterboxed image into a CHW float32 tensor in [0,1].
type Preprocessor struct {
	size       int
	numWorkers int
	bufferPool *sync.Pool
}

func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, size*size*3)
				return &buf
			},
		},
	}
}

// Process fills dst (len size*size*3) from img, which must be size x size.
func (p *Preprocessor) Process(img *image.NRGBA, dst []float32) error {
	if b := img.Bounds(); b.Dx() != p.size || b.Dy() != p.size {
		return fmt.Errorf("preprocess: got %dx%d image, want %dx%d", b.Dx(), b.Dy(), p.size, p.size)
	}
	if len(dst) != p.size*p.size*3 {
		return fmt.Errorf("preprocess: tensor holds %d values, want %d", len(dst), p.size*p.size*3)
	}

	bufp := p.bufferPool.Get().(*[]float32)
	defer p.bufferPool.Put(bufp)
	buffer := *bufp

	p.processParallel(img, buffer)
	copy(dst, buffer)
	return nil
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := p.size * p.size
	workers := p.numWorkers
	if workers > p.size {
		workers = p.size
	}
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					buffer[i] = float32(src[x*4]) / 255.0
					buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
					buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

// CPUFeatures lists the vector extensions ONNX Runtime can take advantage of
// on this host, for the startup log.
func CPUFeatures() string {
	var features []string
	if cpu.X86.HasAVX512F {
		features = append(features, "avx512")
	}
	if cpu.X86.HasAVX2 {
		features = append(features, "avx2")
	}
	if cpu.X86.HasSSE41 {
		features = append(features, "sse4.1")
	}
	if cpu.ARM64.HasASIMD {
		features = append(features, "neon")
	}
	if len(features) == 0 {
		return "none"
	}
	return strings.Join(features, ",")
}
