package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedResourceID = errors.New("rpc: malformed resource id")

// ParseResourceID splits `Name` or `Name[<json array>]`. Bare names return
// nil args; bracketed names return a non-nil (possibly empty) list.
func ParseResourceID(id string) (string, Args, error) {
	id = strings.TrimSpace(id)
	open := strings.IndexByte(id, '[')
	if open < 0 {
		if id == "" {
			return "", nil, fmt.Errorf("%w: empty", ErrMalformedResourceID)
		}
		return id, nil, nil
	}
	name := id[:open]
	if name == "" {
		return "", nil, fmt.Errorf("%w: missing name in %q", ErrMalformedResourceID, id)
	}
	suffix := id[open:]
	var raw []json.RawMessage
	dec := json.NewDecoder(strings.NewReader(suffix))
	if err := dec.Decode(&raw); err != nil {
		return "", nil, fmt.Errorf("%w: %q: %v", ErrMalformedResourceID, id, err)
	}
	if strings.TrimSpace(suffix[dec.InputOffset():]) != "" {
		return "", nil, fmt.Errorf("%w: trailing data in %q", ErrMalformedResourceID, id)
	}
	if raw == nil {
		raw = []json.RawMessage{}
	}
	return name, Args(raw), nil
}

// FormatResourceID builds a bracketed identifier from constructor arguments.
// With no arguments it returns the bare name.
func FormatResourceID(name string, args ...any) (string, error) {
	if len(args) == 0 {
		return name, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return name + string(b), nil
}

// MustResourceID is FormatResourceID for arguments known to encode.
func MustResourceID(name string, args ...any) string {
	id, err := FormatResourceID(name, args...)
	if err != nil {
		panic(fmt.Sprintf("rpc: resource id %s: %v", name, err))
	}
	return id
}
