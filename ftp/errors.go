package ftp

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by commands issued on a client whose control
// connection is closed or was never opened.
var ErrNotConnected = errors.New("ftp: not connected")

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "PROT", "CWD").
	// Arguments are never included so passwords cannot leak into errors.
	Command string

	// Response is the message received from the server
	Response string

	// Code is the numeric FTP reply code (e.g., 530)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTemporary returns true if the error is a transient negative reply (4xx).
// This can be used to implement retry logic.
func (e *ProtocolError) IsTemporary() bool {
	return replyClass(e.Code) == 4
}

// IsPermanent returns true if the error is a permanent negative reply (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return replyClass(e.Code) == 5
}

func protocolError(command string, resp *Response) *ProtocolError {
	return &ProtocolError{
		Command:  command,
		Response: resp.Message,
		Code:     resp.Code,
	}
}
