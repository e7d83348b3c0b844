package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	stepStyle = lipgloss.NewStyle().Bold(true)
	lossStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))

	ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
)

// displayWidth returns the width of s on the terminal, not counting the
// embedded color sequences.
func displayWidth(s string) int {
	return len(ansiFilter.ReplaceAllString(s, ""))
}

// printProgress rewrites the training progress line in place.
func printProgress(step, totalSteps int, loss float32, epochs int, elapsed time.Duration) {
	target := ""
	if totalSteps > 0 {
		target = fmt.Sprintf("/%d", totalSteps)
	}
	line := fmt.Sprintf("%s: ~loss=%s epoch=%d elapsed=%s",
		stepStyle.Render(fmt.Sprintf("step %d%s", step, target)),
		lossStyle.Render(fmt.Sprintf("%.4f", loss)),
		epochs, elapsed.Round(time.Second))
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 && displayWidth(line) >= width {
		// Narrow terminal, keep just the numbers.
		line = fmt.Sprintf("%d%s: %.4f", step, target, loss)
	}
	fmt.Printf("\r%s\x1b[0K", line)
}
