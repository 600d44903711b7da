package control

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/redirfs"
)

// Client talks to a control server. Calls are serialised on one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errx.Wrap(ErrDial, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := writeFrame(c.conn, req); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.Code != "" {
		return nil, errx.With(sentinelOf(resp.Code), ": %s", resp.Err)
	}
	return &resp, nil
}

func (c *Client) ListFilters(ctx context.Context) ([]FilterStatus, error) {
	resp, err := c.call(ctx, &Request{Op: OpListFilters})
	if err != nil {
		return nil, err
	}
	return resp.Filters, nil
}

func (c *Client) Activate(ctx context.Context, filter string) error {
	_, err := c.call(ctx, &Request{Op: OpActivate, Filter: filter})
	return err
}

func (c *Client) Deactivate(ctx context.Context, filter string) error {
	_, err := c.call(ctx, &Request{Op: OpDeactivate, Filter: filter})
	return err
}

// AddPath binds filter to path and returns the path id.
func (c *Client) AddPath(ctx context.Context, filter, path, mount string, flags redirfs.PathFlags) (int, error) {
	resp, err := c.call(ctx, &Request{Op: OpAddPath, Filter: filter, Path: path, Mount: mount, Flags: flags.String()})
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *Client) RemovePath(ctx context.Context, id int) error {
	_, err := c.call(ctx, &Request{Op: OpRemovePath, ID: id})
	return err
}

// ListPaths lists the paths of filter, or all paths when filter is empty.
func (c *Client) ListPaths(ctx context.Context, filter string) ([]redirfs.PathDescriptor, error) {
	resp, err := c.call(ctx, &Request{Op: OpListPaths, Filter: filter})
	if err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	resp, err := c.call(ctx, &Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}
