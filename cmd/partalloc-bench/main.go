// Command partalloc-bench drives the allocator with a configurable mix of
// request sizes and thread counts, printing total operations, elapsed time
// and throughput. It exists to exercise the allocator end to end, not as a
// rigorous benchmark harness.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/partalloc/partalloc/internal/allocator"
	"github.com/partalloc/partalloc/internal/cli"
)

func main() {
	var (
		threads    = flag.Int("threads", 4, "number of concurrent ThreadAllocator handles")
		iterations = flag.Int("iterations", 100000, "alloc/free iterations per thread")
		maxSize    = flag.Int("max-size", 8192, "largest request size in bytes")
		showVer    = flag.Bool("version", false, "print version information and exit")
		jsonOut    = flag.Bool("json", false, "emit --version output as JSON")
	)

	flag.Parse()

	if *showVer {
		cli.PrintVersion("partalloc-bench", *jsonOut)

		return
	}

	if *threads <= 0 || *iterations <= 0 || *maxSize <= 0 {
		cli.ExitWithError("threads, iterations, and max-size must all be positive")
	}

	start := time.Now()

	var wg sync.WaitGroup

	for i := 0; i < *threads; i++ {
		wg.Add(1)

		go func(seed int64) {
			defer wg.Done()

			runWorker(seed, *iterations, *maxSize)
		}(int64(i))
	}

	wg.Wait()

	elapsed := time.Since(start)
	total := int64(*threads) * int64(*iterations)

	fmt.Printf("partalloc-bench: %d threads x %d ops = %d ops in %s (%.0f ops/sec)\n",
		*threads, *iterations, total, elapsed, float64(total)/elapsed.Seconds())

	os.Exit(0)
}

func runWorker(seed int64, iterations, maxSize int) {
	rng := rand.New(rand.NewSource(seed))

	allocator.Run(func(t *allocator.ThreadAllocator) {
		live := make([]uintptr, 0, 256)

		for i := 0; i < iterations; i++ {
			if len(live) > 0 && (rng.Intn(3) == 0 || len(live) >= cap(live)) {
				idx := rng.Intn(len(live))
				t.Free(live[idx])
				live[idx] = live[len(live)-1]
				live = live[:len(live)-1]

				continue
			}

			size := uintptr(rng.Intn(maxSize) + 1)
			if addr := t.Alloc(size); addr != 0 {
				live = append(live, addr)
			}
		}

		for _, addr := range live {
			t.Free(addr)
		}
	})
}
