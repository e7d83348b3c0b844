// Package spinning shows a small spinner on the terminal while a binary works
// on something slow, and installs the interrupt handler the binaries share.
package spinning

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

var (
	ThemeAscii = []rune("|/-\\")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")

	// Theme is the symbol cycle New animates through. Defaults to ThemeClock.
	Theme = ThemeClock
)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt,
// typically the cancel function of the program context. If the program hasn't
// exited on its own after gracePeriod, it resets the terminal and dies.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Interrupted (signal %q), shutting down... (%s grace period)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Still running %s after the interrupt, exiting.", gracePeriod)
	}()
}

// Reset makes the cursor visible and restores the default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// Spinning animates on its own goroutine until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

// New starts a spinner at the current terminal position. The cursor stays
// hidden until Done.
func New(ctx context.Context) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		fmt.Print("\033[?25l")       // Hide cursor.
		defer fmt.Print("\033[?25h") // Restore cursor.

		fmt.Print("  ")
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			fmt.Printf("\b\b%c", Theme[idx])
			select {
			case <-ctx.Done():
				fmt.Print("\b\b")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to erase itself.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
