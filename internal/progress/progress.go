// Package progress wraps schollz/progressbar in a spinner that shows
// worker activity on stderr when running attended, and is a no-op
// otherwise — the detector's worker loop has no fixed amount of work to
// report against, only "busy" or "idle."
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const updateInterval = 100 * time.Millisecond

// Spinner wraps progressbar's indeterminate mode. All methods are no-ops
// when disabled.
type Spinner struct {
	bar *progressbar.ProgressBar
}

// New creates a spinner. If enabled is false, every method is a no-op.
func New(enabled bool) *Spinner {
	if !enabled {
		return &Spinner{}
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionClearOnFinish(),
	)
	return &Spinner{bar: bar}
}

// Describe updates the spinner's label, e.g. with the job type currently
// being processed.
func (s *Spinner) Describe(label string) {
	if s.bar != nil {
		s.bar.Describe(label)
		_ = s.bar.Add(1)
	}
}

// Stop finalizes the spinner.
func (s *Spinner) Stop() {
	if s.bar != nil {
		_ = s.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}
