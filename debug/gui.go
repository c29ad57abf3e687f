// Package debug is a small live viewer for running INBAC instances,
// built on jroimartin/gocui the way the teacher's DebugGui used it: a
// gocui.Gui with named views wired through SetManager and
// SetKeybinding, refreshed from a background goroutine rather than
// reading a static file of rows.
//
// Adapted from jangocheng-server-1/debug/gui.go's NewDebugGui/
// setKeybindings/quit shape; the teacher's row-file browser
// (RowsGui/Columns/ColumnSelector/Events) is replaced with a two-pane
// status/events view matching what cmd/inbacsim actually has to show:
// the live status.Consumer tree and a scrolling event log.
package debug

import (
	"fmt"
	"sync"
	"time"

	ui "github.com/jroimartin/gocui"
)

const (
	viewStatus = "status"
	viewEvents = "events"
)

// Viewer renders a periodically-refreshed status tree alongside a
// scrolling event log.
type Viewer struct {
	*ui.Gui
	title    string
	statusFn func() string
	refresh  time.Duration

	mu     sync.Mutex
	events []string
}

// NewViewer creates a Viewer. statusFn is polled every refresh interval
// and its output replaces the status pane's contents.
func NewViewer(title string, refresh time.Duration, statusFn func() string) (*Viewer, error) {
	g, err := ui.NewGui(ui.OutputNormal)
	if err != nil {
		return nil, err
	}
	v := &Viewer{Gui: g, title: title, statusFn: statusFn, refresh: refresh}
	v.SetManagerFunc(v.layout)
	if err := v.setKeybindings(); err != nil {
		return nil, err
	}
	v.AppendEvent(fmt.Sprintf("%s: viewer started", title))
	return v, nil
}

func (v *Viewer) setKeybindings() error {
	if err := v.SetKeybinding("", 'q', ui.ModNone, quit); err != nil {
		return err
	}
	if err := v.SetKeybinding(viewStatus, ui.KeyArrowDown, ui.ModNone, scrollDown); err != nil {
		return err
	}
	if err := v.SetKeybinding(viewStatus, ui.KeyArrowUp, ui.ModNone, scrollUp); err != nil {
		return err
	}
	return nil
}

func quit(*ui.Gui, *ui.View) error { return ui.ErrQuit }

func scrollDown(g *ui.Gui, view *ui.View) error {
	if view == nil {
		return nil
	}
	ox, oy := view.Origin()
	view.SetOrigin(ox, oy+1)
	return nil
}

func scrollUp(g *ui.Gui, view *ui.View) error {
	if view == nil {
		return nil
	}
	ox, oy := view.Origin()
	if oy > 0 {
		view.SetOrigin(ox, oy-1)
	}
	return nil
}

func (v *Viewer) layout(g *ui.Gui) error {
	maxX, maxY := g.Size()
	eventsHeight := 8
	if sv, err := g.SetView(viewStatus, 0, 0, maxX-1, maxY-eventsHeight-2); err != nil {
		if err != ui.ErrUnknownView {
			return err
		}
		sv.Title = v.title
		sv.Wrap = true
		if _, err := g.SetCurrentView(viewStatus); err != nil {
			return err
		}
	}
	if ev, err := g.SetView(viewEvents, 0, maxY-eventsHeight-1, maxX-1, maxY-1); err != nil {
		if err != ui.ErrUnknownView {
			return err
		}
		ev.Title = "events"
		ev.Autoscroll = true
	}
	return nil
}

// AppendEvent appends a line to the event log, visible on the next
// redraw.
func (v *Viewer) AppendEvent(msg string) {
	v.mu.Lock()
	v.events = append(v.events, msg)
	if len(v.events) > 500 {
		v.events = v.events[len(v.events)-500:]
	}
	lines := append([]string(nil), v.events...)
	v.mu.Unlock()

	v.Update(func(g *ui.Gui) error {
		ev, err := g.View(viewEvents)
		if err != nil {
			return nil
		}
		ev.Clear()
		for _, l := range lines {
			fmt.Fprintln(ev, l)
		}
		return nil
	})
}

// Run starts the refresh loop and blocks in gocui's main loop until the
// user quits.
func (v *Viewer) Run() error {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(v.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				text := v.statusFn()
				v.Update(func(g *ui.Gui) error {
					sv, err := g.View(viewStatus)
					if err != nil {
						return nil
					}
					sv.Clear()
					fmt.Fprint(sv, text)
					return nil
				})
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	err := v.MainLoop()
	if err == ui.ErrQuit {
		return nil
	}
	return err
}
