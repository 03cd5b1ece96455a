package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ANSI color codes used by the ansible-style display.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBright = "\033[1;34m"
)

// Display renders ansible-playbook style output: PLAY/TASK banners, per-host
// results, the final recap, and verbosity-gated diagnostics.
type Display struct {
	mu        sync.Mutex
	out       io.Writer
	errOut    io.Writer
	verbosity int
	quiet     bool
}

// NewDisplay creates a display writing to stdout/stderr.
func NewDisplay(verbosity int) *Display {
	return &Display{
		out:       os.Stdout,
		errOut:    os.Stderr,
		verbosity: verbosity,
	}
}

// NewDisplayWriter creates a display writing to the given writers. Used by
// tests and by the VM-side service, which must keep all output on the RPC
// channel.
func NewDisplayWriter(out, errOut io.Writer, verbosity int) *Display {
	return &Display{out: out, errOut: errOut, verbosity: verbosity}
}

// Verbosity returns the configured verbosity level.
func (d *Display) Verbosity() int { return d.verbosity }

// SetQuiet suppresses everything except failures.
func (d *Display) SetQuiet(quiet bool) { d.quiet = quiet }

func (d *Display) printf(w io.Writer, format string, args ...interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(w, format, args...)
}

// Banner prints a starred section header.
func (d *Display) Banner(title string) {
	if d.quiet {
		return
	}
	pad := 80 - len(title) - 3
	if pad < 3 {
		pad = 3
	}
	d.printf(d.out, "\n%s %s\n", title, strings.Repeat("*", pad))
}

// PlayHeader prints the PLAY banner.
func (d *Display) PlayHeader(playName string) {
	d.Banner(fmt.Sprintf("PLAY [%s]", playName))
}

// TaskHeader prints the TASK banner.
func (d *Display) TaskHeader(taskName string) {
	d.Banner(fmt.Sprintf("TASK [%s]", taskName))
}

// ProxyBanner prints the delegated-run banner used when relaying output from
// a management disposable.
func (d *Display) ProxyBanner(dispvm, playName string) {
	d.Banner(fmt.Sprintf("QUBESOS [%s: PLAY %s]", dispvm, playName))
}

// TaskResult prints a per-host task status line.
func (d *Display) TaskResult(host, msg string, changed, failed, skipped bool) {
	if d.quiet && !failed {
		return
	}

	var color, status string
	switch {
	case failed:
		status, color = "fatal", ColorRed
	case skipped:
		status, color = "skipping", ColorCyan
	case changed:
		status, color = "changed", ColorYellow
	default:
		status, color = "ok", ColorGreen
	}

	if msg != "" {
		d.printf(d.out, "%s%s: [%s] => %s%s\n", color, status, host, msg, ColorReset)
	} else {
		d.printf(d.out, "%s%s: [%s]%s\n", color, status, host, ColorReset)
	}
}

// Recap prints the PLAY RECAP section for the given per-host stats.
func (d *Display) Recap(stats map[string]*HostStats) {
	if d.quiet {
		return
	}
	d.Banner("PLAY RECAP")
	for host, stat := range stats {
		color := ColorGreen
		if !stat.IsSuccess() {
			color = ColorRed
		}
		d.printf(d.out, "%s%-26s%s : %s\n", color, host, ColorReset, stat)
	}
	d.printf(d.out, "\n")
}

// Remote relays output captured from a delegated run.
func (d *Display) Remote(stdout, stderr string) {
	if stderr != "" {
		d.printf(d.errOut, "%s%s%s\n", ColorRed, stderr, ColorReset)
	}
	if stdout != "" {
		d.printf(d.out, "%s%s%s\n", ColorBright, stdout, ColorReset)
	}
}

// Warning prints a user-visible warning.
func (d *Display) Warning(msg string) {
	d.printf(d.errOut, "%s[WARNING]: %s%s\n", ColorYellow, msg, ColorReset)
}

// Error prints a user-visible error.
func (d *Display) Error(msg string) {
	d.printf(d.errOut, "%s[ERROR]: %s%s\n", ColorRed, msg, ColorReset)
}

// V prints msg when verbosity >= level, prefixed with the host marker the
// way ansible's display does it.
func (d *Display) V(level int, host, msg string) {
	if d.verbosity < level {
		return
	}
	if host != "" {
		d.printf(d.errOut, "<%s> %s\n", host, msg)
		return
	}
	d.printf(d.errOut, "%s\n", msg)
}

// HostStats counts per-host task outcomes for the recap.
type HostStats struct {
	Ok          int
	Changed     int
	Failed      int
	Skipped     int
	Unreachable int
}

// IsSuccess reports whether the host finished without failures.
func (s *HostStats) IsSuccess() bool {
	return s.Failed == 0 && s.Unreachable == 0
}

func (s *HostStats) String() string {
	return fmt.Sprintf("ok=%d changed=%d unreachable=%d failed=%d skipped=%d",
		s.Ok, s.Changed, s.Unreachable, s.Failed, s.Skipped)
}
