package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/confchat/internal/domain"
	"github.com/ashureev/confchat/internal/session"
)

// console serializes writes from the render loop and client callbacks.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, a...)
}

// renderer prints the session transcript incrementally. Messages are
// written as their text grows and closed once they stop streaming.
type renderer struct {
	con *console

	printed    map[string]string
	done       map[string]bool
	open       string
	lastStatus string
}

func newRenderer(con *console) *renderer {
	return &renderer{
		con:     con,
		printed: make(map[string]string),
		done:    make(map[string]bool),
	}
}

func (r *renderer) render(snap session.Snapshot, streamingID string) {
	r.con.mu.Lock()
	defer r.con.mu.Unlock()
	w := r.con.out

	for _, m := range snap.Messages {
		if r.done[m.ID] || m.Text == "" {
			continue
		}
		if r.open != "" && r.open != m.ID {
			// Another message is still mid-line; keep order.
			break
		}

		prev, started := r.printed[m.ID]
		switch {
		case !started:
			fmt.Fprintf(w, "%s %s", label(m), m.Text)
		case strings.HasPrefix(m.Text, prev):
			fmt.Fprint(w, m.Text[len(prev):])
		default:
			fmt.Fprintf(w, "\n%s %s", label(m), m.Text)
		}
		r.printed[m.ID] = m.Text
		r.open = m.ID

		if m.ID == streamingID {
			return
		}
		fmt.Fprintln(w)
		if extra := details(m); extra != "" {
			fmt.Fprintln(w, "  "+extra)
		}
		r.done[m.ID] = true
		r.open = ""
	}

	if r.open == "" && snap.Loading.IsLoading && snap.Loading.Message != "" && snap.Loading.Message != r.lastStatus {
		fmt.Fprintf(w, "  ... %s\n", snap.Loading.Message)
	}
	if snap.Loading.IsLoading {
		r.lastStatus = snap.Loading.Message
	} else {
		r.lastStatus = ""
	}
}

func label(m domain.Message) string {
	switch {
	case m.IsFromUser:
		return "you:"
	case m.Kind == domain.KindError:
		return "error:"
	case m.Kind == domain.KindWarning:
		return "warning:"
	}
	return "assistant:"
}

func details(m domain.Message) string {
	switch aux := m.Aux.(type) {
	case domain.NavigationPayload:
		if aux.URL == "" {
			return "[open] " + aux.Path
		}
		return "[open] " + aux.URL
	case domain.MapPayload:
		return "[map] " + aux.Location
	case domain.ChartPayload:
		return fmt.Sprintf("[chart] %d bytes of chart data", len(aux.Spec))
	}
	return ""
}

// terminalNavigator prints pages the assistant asks to open.
type terminalNavigator struct {
	con *console
}

func (n terminalNavigator) Open(url string) error {
	n.con.println("  -> opening", url)
	return nil
}

// terminalPrompter shows pending confirmations.
type terminalPrompter struct {
	con *console
}

func (p terminalPrompter) PromptConfirmation(req domain.ConfirmationRequest) {
	p.con.println("  confirmation required: type /confirm to proceed or /cancel to discard")
	if len(req.Payload) > 0 {
		p.con.println("  " + string(req.Payload))
	}
}
