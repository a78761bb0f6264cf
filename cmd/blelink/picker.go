package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/scanner"
	"golang.org/x/term"
)

const (
	keyCtrlC  = 0x03
	keyEscape = 0x1b
	keyDelete = 0x7f
)

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	indexColor = color.New(color.FgYellow)
	dimColor   = color.New(color.Faint)
)

// termPicker is a scanner.Picker rendered on a terminal. The user types a
// list number and Enter to choose, or q / Esc / Ctrl+C to cancel. A single
// reader goroutine serves every Open of the picker.
type termPicker struct {
	in       io.Reader
	out      io.Writer
	readOnce sync.Once

	mu        sync.Mutex
	open      bool
	decided   bool
	exhausted bool
	title    string
	labels   scanner.Labels
	devices  []device.Info
	typed    string
	rendered int
	restore  func()
	onSelect func(id string)
	onCancel func()
}

func newTermPicker(in io.Reader, out io.Writer) *termPicker {
	return &termPicker{in: in, out: out}
}

func (p *termPicker) Open(title string, labels scanner.Labels, onSelect func(id string), onCancel func()) {
	p.mu.Lock()
	p.open = true
	p.decided = false
	p.title = title
	p.labels = labels
	p.devices = nil
	p.typed = ""
	p.rendered = 0
	p.onSelect = onSelect
	p.onCancel = onCancel
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if state, err := term.MakeRaw(int(f.Fd())); err == nil {
			p.restore = func() { _ = term.Restore(int(f.Fd()), state) }
		}
	}
	p.renderLocked()
	exhausted := p.exhausted
	p.mu.Unlock()

	if exhausted {
		groutine.Go(context.Background(), "picker-cancel", func(context.Context) { p.cancel() })
		return
	}
	p.readOnce.Do(func() {
		groutine.Go(context.Background(), "picker-input", p.readInput)
	})
}

func (p *termPicker) Update(devices []device.Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.devices = devices
	p.renderLocked()
}

func (p *termPicker) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.title = title
	p.renderLocked()
}

func (p *termPicker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.open = false
	if p.restore != nil {
		p.restore()
		p.restore = nil
	}
}

func (p *termPicker) eol() string {
	if p.restore != nil {
		return "\r\n"
	}
	return "\n"
}

// renderLocked redraws the whole picker; on a raw terminal the previous
// frame is erased first.
func (p *termPicker) renderLocked() {
	var b strings.Builder
	if p.restore != nil && p.rendered > 0 {
		fmt.Fprintf(&b, "\033[%dA\r\033[J", p.rendered)
	}
	eol := p.eol()
	lines := 0

	b.WriteString(titleColor.Sprint(p.title) + eol)
	lines++
	for i, d := range p.devices {
		fmt.Fprintf(&b, "  %s %-24s %s %s%s",
			indexColor.Sprintf("%2d)", i+1), d.DisplayName(), d.ID, dimColor.Sprintf("%d dBm", d.RSSI), eol)
		lines++
	}
	fmt.Fprintf(&b, "  %s  %s%s", indexColor.Sprint(" q)"), p.labels.Cancel, eol)
	lines++
	fmt.Fprintf(&b, "> %s", p.typed)

	p.rendered = lines
	_, _ = io.WriteString(p.out, b.String())
}

// readInput runs until the input ends. Keys arriving while no decision is
// pending are discarded.
func (p *termPicker) readInput(_ context.Context) {
	r := bufio.NewReader(p.in)
	for {
		c, err := r.ReadByte()
		if err != nil {
			p.mu.Lock()
			p.exhausted = true
			p.mu.Unlock()
			p.cancel()
			return
		}
		p.handleKey(c)
	}
}

func (p *termPicker) handleKey(c byte) {
	p.mu.Lock()
	if !p.open || p.decided {
		p.mu.Unlock()
		return
	}

	switch {
	case c == 'q' || c == keyEscape || c == keyCtrlC:
		p.mu.Unlock()
		p.cancel()
		return

	case c >= '0' && c <= '9':
		p.typed += string(c)
		p.renderLocked()

	case c == keyDelete || c == '\b':
		if p.typed != "" {
			p.typed = p.typed[:len(p.typed)-1]
			p.renderLocked()
		}

	case c == '\r' || c == '\n':
		n, err := strconv.Atoi(p.typed)
		p.typed = ""
		if err != nil || n < 1 || n > len(p.devices) {
			p.renderLocked()
			break
		}
		id := p.devices[n-1].ID
		fn := p.onSelect
		p.decided = true
		_, _ = io.WriteString(p.out, p.eol())
		p.mu.Unlock()
		if fn != nil {
			fn(id)
		}
		return
	}
	p.mu.Unlock()
}

func (p *termPicker) cancel() {
	p.mu.Lock()
	if !p.open || p.decided {
		p.mu.Unlock()
		return
	}
	p.decided = true
	fn := p.onCancel
	_, _ = io.WriteString(p.out, p.eol())
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

var _ scanner.Picker = (*termPicker)(nil)
