// Package profilers installs the optional profiling hooks of the binaries:
// an HTTP pprof server behind -prof and a CPU profile file behind
// -cpu_profile. Linking the package registers the flags; without them it does
// nothing.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the HTTP profiler on the given localhost port.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile to `file`.")

	profilerAddr string

	// globalCtx is set by Setup; OnQuit blocks on it while the HTTP profiler
	// is kept alive for inspection.
	globalCtx context.Context
)

// Setup starts the profilers selected by the flags. Follow with a deferred
// call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		startHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		startCPUProfile()
	}
}

// OnQuit stops the CPU profile and, when the HTTP profiler is serving, keeps
// the program alive until interrupted so the profiles remain readable. Defer
// it directly from main, the recover below only works there.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagProfiler < 0 {
		return
	}
	if err := recover(); err != nil {
		// Never hold a panicking program alive.
		panic(err)
	}
	if globalCtx.Err() != nil {
		// Already interrupted.
		return
	}
	// Garbage collect a few times, so leaks stand out in the heap profile.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: profiler still serving http://%s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit.\n")
	<-globalCtx.Done()
	fmt.Printf("... exiting ...\n")
}

func startCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatalf("Failed to create CPU profile %q: %v", *flagCPUProfile, err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatalf("Failed to start CPU profile: %v", err)
	}
}

func startHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	fmt.Printf("Serving profiler on http://%s/debug/pprof\n", profilerAddr)
	fmt.Printf("- Read it with: $ go tool pprof %s/debug/pprof/heap\n", profilerAddr)
	fmt.Printf("- The program is kept alive when finished, interrupt (Ctrl+C) to exit.\n")
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}
