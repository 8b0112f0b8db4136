package ui

import (
	"fmt"
	"sync"
	"time"
)

// Spinner displays an animated spinner with a message while a long engine
// call runs. On a non-terminal it prints the message once.
type Spinner struct {
	display *DisplayContext
	message string
	frames  []string
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Default spinner frames (dots style)
var defaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner drawing to display.
func NewSpinner(display *DisplayContext, message string) *Spinner {
	return &Spinner{
		display: display,
		message: message,
		frames:  defaultFrames,
		done:    make(chan struct{}),
	}
}

// Start begins the spinner animation.
func (s *Spinner) Start() {
	if !s.display.IsTTY {
		fmt.Fprintf(s.display.Out, "%s...\n", s.message)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case <-s.done:
				fmt.Fprint(s.display.Out, "\r\033[K")
				return
			case <-ticker.C:
				frame := s.frames[i%len(s.frames)]
				fmt.Fprintf(s.display.Out, "\r%s %s", Bold.Render(frame), s.message)
			}
		}
	}()
}

// Stop stops the spinner. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

// StopWithMessage stops the spinner and prints a final message.
func (s *Spinner) StopWithMessage(message string) {
	s.Stop()
	fmt.Fprintln(s.display.Out, message)
}
