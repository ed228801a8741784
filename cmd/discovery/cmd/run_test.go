package cmd

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardStopSignals_StopsOnSignalAndExitsOnDone(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	exited := make(chan struct{})

	var stops int64
	go func() {
		forwardStopSignals(sigCh, done, func() {
			atomic.AddInt64(&stops, 1)
		})
		close(exited)
	}()

	sigCh <- syscall.SIGTERM
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&stops) == 1
	}, time.Second, time.Millisecond)

	close(done)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not exit after done closed")
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&stops))
}

func TestForwardStopSignals_ExitsWithoutSignal(t *testing.T) {
	sigCh := make(chan os.Signal)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		forwardStopSignals(sigCh, done, func() {
			t.Error("stop invoked without a signal")
		})
		close(exited)
	}()

	close(done)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not exit after done closed")
	}
}
