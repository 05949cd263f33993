package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/stemsi/exstem-live/internal/model"
)

// styles colour single transcript lines. Rendering multi-line text through
// lipgloss pads it, so every styled string is one line without "\n".
type styles struct {
	status   lipgloss.Style
	question lipgloss.Style
	feedback lipgloss.Style
	err      lipgloss.Style
	done     lipgloss.Style
}

func newStyles(color bool) styles {
	lr := lipgloss.NewRenderer(io.Discard)
	if color {
		lr.SetColorProfile(termenv.ANSI256)
	} else {
		lr.SetColorProfile(termenv.Ascii)
	}
	return styles{
		status:   lr.NewStyle().Faint(true),
		question: lr.NewStyle().Bold(true),
		feedback: lr.NewStyle().Foreground(lipgloss.Color("36")),
		err:      lr.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
		done:     lr.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
	}
}

// Renderer prints the attempt as a scrolling transcript. It writes only
// what changed since the previous snapshot.
type Renderer struct {
	out   io.Writer
	style styles

	mu        sync.Mutex
	seen      int
	status    model.ConnectionStatus
	lastErr   string
	indicator string
	progress  float64
	completed bool
}

// NewRenderer creates a Renderer writing to out. color enables ANSI styling
// and should only be set when out is a terminal.
func NewRenderer(out io.Writer, color bool) *Renderer {
	return &Renderer{out: out, style: newStyles(color), status: model.StatusDisconnected}
}

// Render prints the difference between snap and what was shown before.
func (r *Renderer) Render(snap model.Session, indicator string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder

	if snap.ConnectionStatus != r.status {
		r.status = snap.ConnectionStatus
		line := fmt.Sprintf("[connection: %s]", r.status)
		if r.status == model.StatusReconnecting {
			line = fmt.Sprintf("[connection: reconnecting, attempt %d]", snap.ReconnectAttempts)
		}
		r.line(&b, r.style.status, line)
	}

	// A reset shrinks the transcript.
	if len(snap.ChatHistory) < r.seen {
		r.seen = 0
		r.completed = false
		b.WriteString("--- assessment reset ---\n")
	}
	for _, m := range snap.ChatHistory[r.seen:] {
		r.writeChat(&b, m)
	}
	r.seen = len(snap.ChatHistory)

	if snap.Progress != r.progress {
		r.progress = snap.Progress
		r.line(&b, r.style.status, fmt.Sprintf("[progress: %.0f%%]", r.progress))
	}

	if indicator != r.indicator {
		r.indicator = indicator
		if indicator != "" {
			r.line(&b, r.style.status, "... "+indicator)
		}
	}

	if snap.CurrentError != r.lastErr {
		r.lastErr = snap.CurrentError
		if r.lastErr != "" {
			r.line(&b, r.style.err, "! "+r.lastErr)
		}
	}

	if snap.Completed && !r.completed {
		r.completed = true
		r.line(&b, r.style.done, fmt.Sprintf("=== Assessment complete: %d answered ===", len(snap.Responses)))
	}

	if b.Len() > 0 {
		io.WriteString(r.out, b.String())
	}
}

func (r *Renderer) line(b *strings.Builder, st lipgloss.Style, text string) {
	b.WriteString(st.Render(text))
	b.WriteByte('\n')
}

func (r *Renderer) writeChat(b *strings.Builder, m model.ChatMessage) {
	switch m.Type {
	case model.ChatAIQuestion:
		b.WriteByte('\n')
		r.line(b, r.style.question, "Q: "+m.Content)
		for _, o := range m.Options {
			fmt.Fprintf(b, "   %s. %s\n", o.OptionID, o.Text)
		}
		if md := m.Metadata; md != nil && (md.Skill != "" || md.Difficulty != "") {
			r.line(b, r.style.status, "   ("+strings.Trim(md.Skill+", "+md.Difficulty, ", ")+")")
		}
	case model.ChatUserResponse:
		fmt.Fprintf(b, "> %s\n", m.Content)
	case model.ChatAIFeedback:
		r.line(b, r.style.feedback, "Feedback: "+m.Content)
	case model.ChatAIProcess:
		r.line(b, r.style.status, "... "+m.Content)
	default:
		fmt.Fprintf(b, "* %s\n", m.Content)
	}
}
