package ddp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	Version = "1"
)

var SupportedVersions = []string{"1", "pre2", "pre1"}

var (
	ErrClosed  = errors.New("ddp connection closed")
	ErrTimeout = errors.New("RPC timeout")
)

type connectFrame struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
	Session string   `json:"session,omitempty"`
}

type methodFrame struct {
	Msg    string          `json:"msg"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type subFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

type idFrame struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

type resultFrame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type nosubFrame struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error"`
}

type EventType string

const (
	EventAdded   EventType = "added"
	EventChanged EventType = "changed"
	EventRemoved EventType = "removed"
)

// Event is a server-pushed change to a collection document.
type Event struct {
	Type       EventType       `json:"msg"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
}

// RPCError is the structured error a method or subscription returns.
type RPCError struct {
	Code      json.RawMessage `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`

	// Payload is the error object exactly as the server sent it.
	Payload json.RawMessage `json:"-"`
}

func parseRPCError(raw json.RawMessage) *RPCError {
	e := &RPCError{Payload: append(json.RawMessage(nil), raw...)}
	if err := json.Unmarshal(raw, e); err != nil {
		e.Message = string(raw)
	}
	return e
}

// CodeString returns the error code without JSON string quoting.
func (e *RPCError) CodeString() string {
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Code))
}

func (e *RPCError) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Message != "":
		return e.Message
	case len(e.Code) > 0:
		return "rpc error " + e.CodeString()
	default:
		return "rpc error"
	}
}

type SubscriptionError struct {
	Name string
	Err  *RPCError
}

func (e *SubscriptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subscription %s stopped", e.Name)
	}
	return fmt.Sprintf("subscription %s failed: %s", e.Name, e.Err.Error())
}

func (e *SubscriptionError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

type ConnectError struct {
	Version string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ddp connect failed, server proposes version %q", e.Version)
}
