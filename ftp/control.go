package ftp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Response represents an FTP server reply.
type Response struct {
	// Code is the three-digit reply code (e.g., 220, 530)
	Code int

	// Message is the human-readable text of the reply. For multi-line
	// replies the lines are joined with "\n".
	Message string

	// Lines contains every raw line of the reply
	Lines []string
}

// replyClass returns the first digit of a reply code (1 to 5).
func replyClass(code int) int {
	return code / 100
}

// IsPreliminary reports a 1xx reply (action started, expect another reply).
func (r *Response) IsPreliminary() bool { return replyClass(r.Code) == 1 }

// IsPositiveCompletion reports a 2xx reply.
func (r *Response) IsPositiveCompletion() bool { return replyClass(r.Code) == 2 }

// IsIntermediate reports a 3xx reply (more information required).
func (r *Response) IsIntermediate() bool { return replyClass(r.Code) == 3 }

// String returns the full reply as received.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// readResponse reads one complete reply from the control channel.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// The reply is complete when a line starts with the code followed by a space.
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil || code < 100 || code > 599 {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	resp := &Response{Code: code, Lines: []string{line}}

	switch line[3] {
	case ' ':
		resp.Message = line[4:]
		return resp, nil
	case '-':
	default:
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	if err := readContinuation(r, line[0:3], resp); err != nil {
		return nil, err
	}

	var text []string
	for _, l := range resp.Lines {
		switch {
		case strings.HasPrefix(l, " "):
			text = append(text, l[1:])
		case len(l) > 4:
			text = append(text, l[4:])
		}
	}
	resp.Message = strings.Join(text, "\n")
	return resp, nil
}

// readContinuation consumes the remaining lines of a multi-line reply.
func readContinuation(r *bufio.Reader, code string, resp *Response) error {
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return fmt.Errorf("unexpected EOF reading response")
		}
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		// RFC 2389 style continuation lines start with a space
		if strings.HasPrefix(line, " ") {
			resp.Lines = append(resp.Lines, line)
			continue
		}

		if len(line) < 4 || line[0:3] != code {
			return fmt.Errorf("response code mismatch or invalid line: %q", line)
		}
		resp.Lines = append(resp.Lines, line)

		switch line[3] {
		case ' ':
			return nil
		case '-':
		default:
			return fmt.Errorf("invalid response format: %q", line)
		}
	}
}

// sendCommand sends an FTP command and returns the reply.
func (c *Client) sendCommand(command string, args ...string) (*Response, error) {
	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}

	if command == "PASS" {
		c.logger.Debug("ftp command", "cmd", "PASS ****")
	} else {
		c.logger.Debug("ftp command", "cmd", cmd)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	resp, err := c.readReplyLocked()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("ftp response", "code", resp.Code, "message", resp.Message)
	return resp, nil
}

// readReplyLocked reads one reply from the control connection. c.mu must be held.
func (c *Client) readReplyLocked() (*Response, error) {
	// Deadline goes on the connection, not the bufio.Reader
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

// expectCode sends a command and verifies the reply code matches exactly.
func (c *Client) expectCode(expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, protocolError(command, resp)
	}
	return resp, nil
}

// expect2xx sends a command and verifies the reply is a positive completion.
func (c *Client) expect2xx(command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.IsPositiveCompletion() {
		return resp, protocolError(command, resp)
	}
	return resp, nil
}
