package drake

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the process
// receives SIGINT or SIGTERM. Passed to Node.Build, the cancellation ends
// the engine's waits on other builders, which then report an Interrupted
// error; a cancellation observed inside a builder's Execute (for example by
// RunJob) is reported as a BuilderFailed whose cause is context.Canceled.
// Builders that never consult the context run to completion.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals result in immediate termination, useful in case
		// an in-flight builder hangs during cleanup.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
