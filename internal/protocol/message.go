// Package protocol implements the v1 spalloc wire protocol: one UTF-8 JSON
// document per newline-terminated line, commands inbound, returns,
// exceptions and change notifications outbound.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Framing limits. Commands carrying more positional or keyword arguments
// than MaxArguments are rejected before dispatch.
const (
	// MaxLineLength is the longest accepted inbound line. Anything longer
	// is a framing error that closes the session.
	MaxLineLength = 256 * 1024

	// MaxArguments bounds args and kwargs independently.
	MaxArguments = 10
)

// Command is one parsed client request.
type Command struct {
	Command string         `json:"command"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
}

// ReturnResponse reports a successful command. Return may be nil, which
// encodes as {"return":null}.
type ReturnResponse struct {
	Return any `json:"return"`
}

// ExceptionResponse reports a failed command.
type ExceptionResponse struct {
	Exception string `json:"exception"`
}

// JobNotifyMessage tells a subscribed client which jobs changed.
type JobNotifyMessage struct {
	JobsChanged []int `json:"jobs_changed"`
}

// MachineNotifyMessage tells a subscribed client which machines changed.
type MachineNotifyMessage struct {
	MachinesChanged []string `json:"machines_changed"`
}

// DecodeCommand parses one line into a Command. Malformed JSON, a missing
// or non-string command name, or oversized argument lists all fail; the
// caller turns the error into an exception line.
func DecodeCommand(line []byte) (*Command, error) {
	if len(line) > MaxLineLength {
		return nil, fmt.Errorf("line exceeds %d bytes", MaxLineLength)
	}

	var raw struct {
		Command *string        `json:"command"`
		Args    []any          `json:"args"`
		Kwargs  map[string]any `json:"kwargs"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if raw.Command == nil || *raw.Command == "" {
		return nil, fmt.Errorf("message did not specify a command")
	}
	if len(raw.Args) > MaxArguments {
		return nil, fmt.Errorf("too many positional arguments (%d > %d)", len(raw.Args), MaxArguments)
	}
	if len(raw.Kwargs) > MaxArguments {
		return nil, fmt.Errorf("too many keyword arguments (%d > %d)", len(raw.Kwargs), MaxArguments)
	}

	cmd := &Command{
		Command: *raw.Command,
		Args:    raw.Args,
		Kwargs:  raw.Kwargs,
	}
	if cmd.Args == nil {
		cmd.Args = []any{}
	}
	if cmd.Kwargs == nil {
		cmd.Kwargs = map[string]any{}
	}
	return cmd, nil
}

// EncodeLine marshals a response or notification as a single line,
// newline included.
func EncodeLine(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return append(data, '\n'), nil
}

// NewJobNotify builds a JobNotifyMessage; a nil slice still encodes as [].
func NewJobNotify(ids []int) JobNotifyMessage {
	if ids == nil {
		ids = []int{}
	}
	return JobNotifyMessage{JobsChanged: ids}
}

// NewMachineNotify builds a MachineNotifyMessage; a nil slice still
// encodes as [].
func NewMachineNotify(names []string) MachineNotifyMessage {
	if names == nil {
		names = []string{}
	}
	return MachineNotifyMessage{MachinesChanged: names}
}
