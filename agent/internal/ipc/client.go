package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("ipc connection closed")

// Client talks to a running agent's status socket.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan Response

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the status socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial status socket: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Status fetches the agent's status.
func (c *Client) Status() (StatusResult, error) {
	var st StatusResult
	resp, err := c.call(MethodStatus, nil)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Subscribe starts streaming the given event types (all when empty) to
// Events. The connection serves nothing else afterwards.
func (c *Client) Subscribe(events ...string) error {
	var params any
	if len(events) > 0 {
		params = SubscribeParams{Events: events}
	}
	_, err := c.call(MethodSubscribe, params)
	return err
}

// Events returns the channel of streamed events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close closes the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) call(method string, params any) (Response, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan Response, 1)

	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	req := Request{ID: id, Method: method}
	if params != nil {
		req.Params = marshalRaw(params)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(resp.Data, &e)
			return resp, fmt.Errorf("%s: %s", method, e.Error)
		}
		return resp, nil
	case <-c.done:
		return Response{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		close(c.events)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Type == TypeEvent {
			var evt Event
			if err := json.Unmarshal(resp.Data, &evt); err == nil {
				select {
				case c.events <- evt:
				default:
				}
			}
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
