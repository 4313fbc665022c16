package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/antoniostano/avatarlive/internal/liveavatar"
)

const (
	cmdSay    = "say"
	cmdStart  = "start"
	cmdStop   = "stop"
	cmdMute   = "mute"
	cmdUnlock = "unlock"
	cmdStatus = "status"
	cmdHelp   = "help"
	cmdQuit   = "quit"
)

const helpText = `commands:
  /start    start a new session
  /stop     end the current session
  /mute     toggle the microphone
  /unlock   allow avatar audio and retry blocked tracks
  /status   print the session state
  /quit     end the session and exit
anything else is sent to the avatar as text
`

type command struct {
	name string
	arg  string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: cmdSay, arg: line}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(name)
	switch name {
	case "exit":
		name = cmdQuit
	case "say":
		// "/say /stop" sends the literal text.
		return command{name: cmdSay, arg: strings.TrimSpace(arg)}
	}
	return command{name: name, arg: strings.TrimSpace(arg)}
}

func statusLine(s liveavatar.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", s.Phase)
	if s.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", s.SessionID)
	}
	if s.Phase == liveavatar.PhaseConnected {
		fmt.Fprintf(&b, " remaining=%ds", s.Remaining)
	}
	if s.Muted {
		b.WriteString(" muted")
	}
	if s.AvatarSpeaking {
		b.WriteString(" speaking")
	}
	if s.UnlockNeeded {
		b.WriteString(" audio-blocked(/unlock)")
	}
	if s.Error != "" {
		fmt.Fprintf(&b, " error=%q", s.Error)
	}
	if s.EndReason != liveavatar.EndReasonNone {
		fmt.Fprintf(&b, " ended=%s", s.EndReason)
	}
	return b.String()
}

// printer renders controller updates. Status is printed when anything but
// the countdown changes, the countdown only every ten seconds.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	lastFlag string
	lastTick int
	seen     int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, lastTick: -1}
}

func (p *printer) transition(t liveavatar.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "phase %s -> %s\n", t.From, t.To)
}

func (p *printer) update(s liveavatar.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(s.Messages) < p.seen {
		p.seen = 0
	}
	for _, m := range s.Messages[p.seen:] {
		if m.Role == liveavatar.RoleAssistant {
			fmt.Fprintf(p.out, "avatar> %s\n", m.Text)
		}
	}
	p.seen = len(s.Messages)

	flags := s
	flags.Remaining = 0
	flags.Messages = nil
	key := statusLine(flags)
	tick := -1
	if s.Phase == liveavatar.PhaseConnected {
		tick = s.Remaining / 10
	}
	if key == p.lastFlag && tick == p.lastTick {
		return
	}
	p.lastFlag = key
	p.lastTick = tick
	fmt.Fprintln(p.out, statusLine(s))
}
