package compat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/protocol"
)

// Client speaks the v1 line protocol. It is not safe for concurrent use;
// the protocol itself is strictly request/response per connection, with
// notifications interleaved.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner

	// queued holds notifications that arrived while waiting for a
	// command response.
	queued []Notification
}

// Notification is one *_changed message from the server.
type Notification struct {
	JobsChanged     []int
	MachinesChanged []string
}

// serverMessage is one decoded server line. Key presence matters: a null
// return is still a return, so fields are kept raw and checked by key.
type serverMessage map[string]json.RawMessage

// Dial connects to a compat server.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to spalloc: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineLength+1)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one command and waits for its return or exception line.
// Notifications arriving in between are queued for ReadNotification.
func (c *Client) Call(command string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	line, err := json.Marshal(protocol.Command{Command: command, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, err
	}

	for {
		msg, err := c.recv(writeTimeout)
		if err != nil {
			return nil, err
		}
		if raw, ok := msg["exception"]; ok {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, fmt.Errorf("malformed exception: %s", raw)
			}
			return nil, fmt.Errorf("%s", text)
		}
		if raw, ok := msg["return"]; ok {
			return raw, nil
		}
		c.queued = append(c.queued, notificationFrom(msg))
	}
}

// ReadNotification returns the next *_changed message, waiting up to
// timeout for one to arrive.
func (c *Client) ReadNotification(timeout time.Duration) (*Notification, error) {
	if len(c.queued) > 0 {
		n := c.queued[0]
		c.queued = c.queued[1:]
		return &n, nil
	}
	msg, err := c.recv(timeout)
	if err != nil {
		return nil, err
	}
	if _, ok := msg["return"]; ok {
		return nil, fmt.Errorf("unexpected response with no command outstanding")
	}
	if _, ok := msg["exception"]; ok {
		return nil, fmt.Errorf("unexpected exception with no command outstanding")
	}
	n := notificationFrom(msg)
	return &n, nil
}

func notificationFrom(msg serverMessage) Notification {
	var n Notification
	if raw, ok := msg["jobs_changed"]; ok {
		json.Unmarshal(raw, &n.JobsChanged)
	}
	if raw, ok := msg["machines_changed"]; ok {
		json.Unmarshal(raw, &n.MachinesChanged)
	}
	return n
}

func (c *Client) recv(timeout time.Duration) (serverMessage, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed")
	}
	var msg serverMessage
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal server message: %w", err)
	}
	return msg, nil
}

// Version asks the server for its version string.
func (c *Client) Version() (string, error) {
	raw, err := c.Call("version", nil, nil)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	return v, nil
}

// CreateJob submits a create_job and returns the new job ID.
func (c *Client) CreateJob(args []any, kwargs map[string]any) (int, error) {
	raw, err := c.Call("create_job", args, kwargs)
	if err != nil {
		return 0, err
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, err
	}
	return id, nil
}
