package crake

import (
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/goburrow/crake/session"
)

// Client dials TCP connections and attaches a session to each.
type Client struct {
	endpoint
}

// NewClient creates a new client.
func NewClient(config *Config) *Client {
	return &Client{
		endpoint: endpoint{config: config},
	}
}

// Connect starts a non-blocking connect to addr. The session is created on
// the reactor once the connection is established; handshake and callbacks
// follow from there.
func (c *Client) Connect(addr string) error {
	if err := c.start("client"); err != nil {
		return err
	}
	fd, raddr, connected, err := dialTCP(addr)
	if err != nil {
		return err
	}
	c.logger.Debug("connecting", zap.Stringer("remote", raddr))
	c.reactor.Dispatch(func() {
		if connected {
			c.attachSession(session.Client, fd, raddr)
			return
		}
		b := c.reactor.attach(fd)
		b.AddHandler(&connector{c: c, b: b, raddr: raddr})
		b.SelectForWrite()
	})
	return nil
}

// Serve runs the reactor loop. Connect must have been called.
func (c *Client) Serve() error {
	if c.reactor == nil {
		return errors.New("crake: client not connected")
	}
	return c.reactor.Run()
}

// Close stops the reactor.
func (c *Client) Close() error {
	if c.reactor != nil {
		c.reactor.Close()
	}
	return nil
}

// connector is the reactor driver for a connect in progress: write
// readiness signals completion, then the session takes over the bridge.
type connector struct {
	c     *Client
	b     *bridge
	raddr net.Addr
}

func (n *connector) Index() int { return n.b.idx }
func (n *connector) Opened()    {}
func (n *connector) Readable()  {}

func (n *connector) Writable() {
	n.b.Delink(n)
	if err := connectDone(n.b.fd); err != nil {
		n.c.logger.Error("connect failed", zap.Stringer("remote", n.raddr), zap.Error(err))
		n.c.reactor.detach(n.b.fd)
		closeFD(n.b.fd)
		return
	}
	n.c.bindSession(n.b, session.Client, n.raddr)
}
