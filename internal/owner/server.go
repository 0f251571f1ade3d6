package owner

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/protocol/session"
)

var (
	ErrInvalidOwnerID = errors.New("owner: invalid owner id")
	ErrLifecycleOrder = errors.New("owner: invalid lifecycle transition")
)

// LifecyclePhase describes owner runtime phase transitions.
type LifecyclePhase string

const (
	PhaseBoot      LifecyclePhase = "boot"
	PhaseListening LifecyclePhase = "listening"
	PhaseServing   LifecyclePhase = "serving"
)

// LifecycleStatus reports owner identity and connection shape.
type LifecycleStatus struct {
	OwnerID          string
	Phase            LifecyclePhase
	ConnectedWindows int
	KnownWindows     int
}

// Window is the observed state of one registered window process.
type Window struct {
	WindowID       string
	Role           session.Role
	PID            int
	RemoteAddr     string
	RegisteredAt   time.Time
	DisconnectedAt time.Time
	Sessions       uint64
	Connected      bool
}

// Server owns owner lifecycle and the window registry. It holds no
// transport state.
type Server struct {
	mu sync.RWMutex

	ownerID string
	phase   LifecyclePhase
	windows map[string]*Window
}

func NewServer(ownerID string) (*Server, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrInvalidOwnerID
	}
	return &Server{
		ownerID: ownerID,
		phase:   PhaseBoot,
		windows: make(map[string]*Window),
	}, nil
}

func (s *Server) OwnerID() string {
	return s.ownerID
}

// Listen transitions boot->listening.
func (s *Server) Listen() error {
	return s.transition(PhaseBoot, PhaseListening)
}

// Serve transitions listening->serving.
func (s *Server) Serve() error {
	return s.transition(PhaseListening, PhaseServing)
}

func (s *Server) transition(from, to LifecyclePhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, s.phase, to)
	}
	s.phase = to
	return nil
}

func (s *Server) Phase() LifecyclePhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Server) Status() LifecycleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connected := 0
	for _, w := range s.windows {
		if w.Connected {
			connected++
		}
	}
	return LifecycleStatus{
		OwnerID:          s.ownerID,
		Phase:            s.phase,
		ConnectedWindows: connected,
		KnownWindows:     len(s.windows),
	}
}

// Windows returns every known window sorted by id.
func (s *Server) Windows() []Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Window, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowID < out[j].WindowID })
	return out
}

// UpsertRegistration records a window session start. A window id that is
// still connected is rejected; a disconnected one is resumed.
func (s *Server) UpsertRegistration(remoteAddr string, reg session.Registration) session.RegistrationAck {
	now := time.Now()
	ack := session.RegistrationAck{
		WindowID:    reg.WindowID,
		OwnerID:     s.ownerID,
		TimestampMS: uint64(now.UnixMilli()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseServing {
		ack.Status = session.AckStatusRejected
		ack.Message = fmt.Sprintf("owner not serving (phase=%s)", s.phase)
		return ack
	}
	w, ok := s.windows[reg.WindowID]
	if ok && w.Connected {
		ack.Status = session.AckStatusRejected
		ack.Message = "window id already connected"
		return ack
	}
	if !ok {
		w = &Window{WindowID: reg.WindowID, RegisteredAt: now}
		s.windows[reg.WindowID] = w
	}
	w.Role = reg.Role
	w.PID = reg.PID
	w.RemoteAddr = remoteAddr
	w.Connected = true
	w.DisconnectedAt = time.Time{}
	w.Sessions++

	ack.Status = session.AckStatusAccepted
	ack.Message = "registered"
	return ack
}

// MarkDisconnected keeps the window record but clears its connection.
func (s *Server) MarkDisconnected(windowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[windowID]
	if !ok {
		return
	}
	w.Connected = false
	w.RemoteAddr = ""
	w.DisconnectedAt = time.Now()
}
