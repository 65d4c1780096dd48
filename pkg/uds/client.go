package uds

import (
	"context"
	"net"

	"github.com/yanun0323/errors"

	"tradecore/pkg/exception"
)

const unixNetwork = "unix"

// Client dials a Unix domain socket.
type Client struct {
	path string
}

// NewClient creates a client for the socket at path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{path: path}, nil
}

// Path returns the configured socket path.
func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Dial opens a connection, giving up when ctx is done.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, unixNetwork, c.path)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.path)
	}
	return conn, nil
}
