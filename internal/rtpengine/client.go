package rtpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flowpbx/webrtcproxy/internal/rtpengine/bencode"
	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a command waits for its response.
const DefaultTimeout = 5 * time.Second

// maxDatagram is the largest ng response we accept. SDP bodies with many
// candidates can exceed a single MTU, so allow for fragmented datagrams.
const maxDatagram = 65535

var (
	// ErrTimeout is returned when a command gets no response in time.
	ErrTimeout = errors.New("rtpengine: command timed out")

	// ErrClosed is returned for commands issued on, or pending at, Close.
	ErrClosed = errors.New("rtpengine: client closed")
)

// ResultError is returned when the engine answers with a result other
// than "ok".
type ResultError struct {
	Command string
	Result  string
	Reason  string
}

func (e *ResultError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rtpengine %s: %s: %s", e.Command, e.Result, e.Reason)
	}
	return fmt.Sprintf("rtpengine %s: %s", e.Command, e.Result)
}

// Params is a flat set of ng command options.
type Params map[string]any

// Clone returns a shallow copy of p, so callers can layer per-request
// options over a shared base without mutating it.
func (p Params) Clone() Params {
	out := make(Params, len(p)+4)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge copies every key of other into p and returns p.
func (p Params) Merge(other Params) Params {
	for k, v := range other {
		p[k] = v
	}
	return p
}

// Response is a decoded ng response dictionary.
type Response map[string]any

// Result returns the "result" field.
func (r Response) Result() string { return r.String("result") }

// SDP returns the "sdp" field, present on offer and answer.
func (r Response) SDP() string { return r.String("sdp") }

// String returns key as a string, or "" when missing or not a string.
func (r Response) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// DTMFEvent is a DTMF notification emitted by the engine towards its
// configured dtmf-log-dest.
type DTMFEvent struct {
	CallID    string   `json:"callid"`
	SourceTag string   `json:"source_tag"`
	Tags      []string `json:"tags"`
	Type      string   `json:"type"`
	Event     int      `json:"event"`
	Duration  int      `json:"duration"`
	Volume    int      `json:"volume"`
}

// DTMFHandler receives DTMF events for one subscribed call.
type DTMFHandler func(DTMFEvent)

// Client speaks the ng control protocol to one engine over UDP. Requests
// are correlated to responses by a per-request cookie.
type Client struct {
	addr    string
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Response
	dtmf    map[string]DTMFHandler
	closed  bool

	done chan struct{}
}

// NewClient opens a UDP socket towards addr (host:port) and starts the
// response reader. A zero timeout selects DefaultTimeout.
func NewClient(addr string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing rtpengine %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		addr:    addr,
		conn:    conn,
		timeout: timeout,
		logger:  logger.With("subsystem", "rtpengine", "engine", addr),
		pending: make(map[string]chan Response),
		dtmf:    make(map[string]DTMFHandler),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Addr returns the engine address this client talks to.
func (c *Client) Addr() string {
	return c.addr
}

// Close stops the reader and fails every pending command with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan Response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	err := c.conn.Close()
	<-c.done
	return err
}

// Do sends one command and waits for its response. The wait is bounded by
// the client timeout and by ctx, whichever ends first. Timeouts are never
// retried.
func (c *Client) Do(ctx context.Context, command string, params Params) (Response, error) {
	msg := params.Clone()
	msg["command"] = command

	payload, err := bencode.Marshal(map[string]any(msg))
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", command, err)
	}

	cookie := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[cookie] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
	}()

	frame := make([]byte, 0, len(cookie)+1+len(payload))
	frame = append(frame, cookie...)
	frame = append(frame, ' ')
	frame = append(frame, payload...)

	c.logger.Debug("rtpengine command",
		"command", command,
		"cookie", cookie,
		"call_id", params["call-id"],
	)

	if _, err := c.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", command, c.addr, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return c.checkResult(command, res)
	case <-timer.C:
		return nil, fmt.Errorf("%s to %s: %w", command, c.addr, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) checkResult(command string, res Response) (Response, error) {
	switch res.Result() {
	case "ok", "pong":
		if w := res.String("warning"); w != "" {
			c.logger.Debug("rtpengine warning", "command", command, "warning", w)
		}
		return res, nil
	default:
		return res, &ResultError{
			Command: command,
			Result:  res.Result(),
			Reason:  res.String("error-reason"),
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			// ECONNREFUSED surfaces here on connected UDP sockets when the
			// engine is down; callers see it as a timeout.
			c.logger.Debug("rtpengine read error", "error", err)
			continue
		}
		c.handleDatagram(buf[:n])
	}
}

func (c *Client) handleDatagram(data []byte) {
	if len(data) > 0 && data[0] == '{' {
		c.handleDTMF(data)
		return
	}

	idx := bytes.IndexByte(data, ' ')
	if idx < 0 {
		c.logger.Warn("malformed rtpengine message", "size", len(data))
		return
	}

	cookie := string(data[:idx])
	dict, err := bencode.UnmarshalDict(data[idx+1:])
	if err != nil {
		c.logger.Warn("undecodable rtpengine response", "cookie", cookie, "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[cookie]
	if ok {
		delete(c.pending, cookie)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("rtpengine response with unknown cookie", "cookie", cookie)
		return
	}
	ch <- Response(dict)
}

func (c *Client) handleDTMF(data []byte) {
	var ev DTMFEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Debug("undecodable dtmf event", "error", err)
		return
	}

	c.mu.Lock()
	fn := c.dtmf[ev.CallID]
	c.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
}
