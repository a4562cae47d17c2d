// Package console prints a human-friendly, colour-coded view of incoming
// traffic next to the structured log.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"alerthook/internal/alert"

	"github.com/fatih/color"
)

// Printer writes colour-coded lines to an output stream.
// It is safe for concurrent use; each call writes its lines atomically.
type Printer struct {
	mu  sync.Mutex
	out io.Writer

	dim    *color.Color
	method *color.Color
	path   *color.Color
	notice *color.Color
	good   *color.Color
	bad    *color.Color
}

// New creates a Printer. With colors false every line is plain text.
func New(out io.Writer, colors bool) *Printer {
	p := &Printer{
		out:    out,
		dim:    color.New(color.Faint),
		method: color.New(color.FgGreen),
		path:   color.New(color.FgCyan),
		notice: color.New(color.FgYellow),
		good:   color.New(color.FgGreen, color.Bold),
		bad:    color.New(color.FgRed, color.Bold),
	}

	for _, c := range []*color.Color{p.dim, p.method, p.path, p.notice, p.good, p.bad} {
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return p
}

// Discard returns a Printer that writes nothing
func Discard() *Printer {
	return New(io.Discard, false)
}

// Request prints "[timestamp] METHOD /path"
func (p *Printer) Request(at time.Time, method, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s %s %s\n",
		p.dim.Sprintf("[%s]", at.UTC().Format(time.RFC3339Nano)),
		p.method.Sprint(method),
		p.path.Sprint(url))
}

// Alert prints a received notification with its body pretty-printed
func (p *Printer) Alert(requestID string, payload *alert.Payload) {
	status := p.good.Sprint(payload.Status)
	if payload.Firing() {
		status = p.bad.Sprint(payload.Status)
	}

	body, err := json.MarshalIndent(payload.Raw, "", "  ")
	if err != nil {
		body = []byte(fmt.Sprintf("%v", payload.Raw))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s %s [%s] %s\n",
		p.notice.Sprint("🚀 Alert notification received"),
		p.dim.Sprintf("(%s)", requestID),
		status,
		payload.Summary())
	fmt.Fprintln(p.out, string(body))
}

// Error prints a failure line
func (p *Printer) Error(msg string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s %v\n", p.bad.Sprint("❌ "+msg+":"), err)
}

// Listening prints the startup banner
func (p *Printer) Listening(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, p.good.Sprintf("alerthook listening on %s", url))
}
