package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeRegister    = "window.register"
	controlTypeRegisterAck = "window.register.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 64 * 1024
)

// Role is the kind of window process registering.
type Role string

const (
	RoleMain   Role = "main"
	RoleChild  Role = "child"
	RoleWorker Role = "worker"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMain, RoleChild, RoleWorker:
		return true
	}
	return false
}

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrRegistrationRejected   = errors.New("session: registration rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Registration is the window->owner session-start payload.
type Registration struct {
	WindowID string `json:"window_id"`
	Role     Role   `json:"role"`
	PID      int    `json:"pid,omitempty"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.WindowID) == "" {
		return fmt.Errorf("%w: missing window_id", ErrInvalidRegistration)
	}
	if !r.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidRegistration, r.Role)
	}
	return nil
}

// RegistrationAck is the owner->window registration response.
type RegistrationAck struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	WindowID    string `json:"window_id"`
	OwnerID     string `json:"owner_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.WindowID) == "" {
		return fmt.Errorf("%w: missing window_id", ErrInvalidRegistrationAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRegistrationAck)
	}
	return nil
}

// Err converts a rejected ack to an error.
func (a RegistrationAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRegistrationRejected, a.Message)
}

type controlEnvelope struct {
	Type string           `json:"type"`
	Reg  *Registration    `json:"registration,omitempty"`
	Ack  *RegistrationAck `json:"registration_ack,omitempty"`
}

func WriteRegistration(w io.Writer, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeRegister, Reg: &reg})
}

func ReadRegistration(r *bufio.Reader) (Registration, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Registration{}, err
	}
	if env.Type != controlTypeRegister || env.Reg == nil {
		return Registration{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRegistration, env.Type)
	}
	if err := env.Reg.Validate(); err != nil {
		return Registration{}, err
	}
	return *env.Reg, nil
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeRegisterAck, Ack: &ack})
}

func ReadRegistrationAck(r *bufio.Reader) (RegistrationAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return RegistrationAck{}, err
	}
	if env.Type != controlTypeRegisterAck || env.Ack == nil {
		return RegistrationAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRegistrationAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return RegistrationAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return controlEnvelope{}, err
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, fmt.Errorf("session: decode control message: %w", err)
	}
	return env, nil
}
