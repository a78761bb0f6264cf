package testutils

import (
	"sync"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/scanner"
)

// RecordingPicker is a scanner.Picker that records what it is shown and lets
// a test play the user.
type RecordingPicker struct {
	mu       sync.Mutex
	open     bool
	titles   []string
	lists    [][]device.Info
	closed   int
	onSelect func(id string)
	onCancel func()
	updated  chan struct{}
}

func NewRecordingPicker() *RecordingPicker {
	return &RecordingPicker{updated: make(chan struct{}, 64)}
}

func (p *RecordingPicker) Open(title string, _ scanner.Labels, onSelect func(id string), onCancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	p.titles = append(p.titles, title)
	p.onSelect = onSelect
	p.onCancel = onCancel
}

func (p *RecordingPicker) Update(list []device.Info) {
	p.mu.Lock()
	p.lists = append(p.lists, list)
	p.mu.Unlock()
	select {
	case p.updated <- struct{}{}:
	default:
	}
}

func (p *RecordingPicker) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.titles = append(p.titles, title)
}

func (p *RecordingPicker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	p.closed++
}

// Select plays the user choosing id.
func (p *RecordingPicker) Select(id string) {
	p.mu.Lock()
	fn := p.onSelect
	p.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// Cancel plays the user dismissing the picker.
func (p *RecordingPicker) Cancel() {
	p.mu.Lock()
	fn := p.onCancel
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *RecordingPicker) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *RecordingPicker) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Title returns the most recent title.
func (p *RecordingPicker) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.titles) == 0 {
		return ""
	}
	return p.titles[len(p.titles)-1]
}

// LastList returns the most recent device list.
func (p *RecordingPicker) LastList() []device.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.lists) == 0 {
		return nil
	}
	return p.lists[len(p.lists)-1]
}

// Updates is signalled on every Update.
func (p *RecordingPicker) Updates() <-chan struct{} {
	return p.updated
}

var _ scanner.Picker = (*RecordingPicker)(nil)
