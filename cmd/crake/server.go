package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/goburrow/crake"
	"github.com/goburrow/crake/session"
)

type serverCommand struct{}

func (serverCommand) Name() string { return "server" }
func (serverCommand) Desc() string { return "start an echo server" }

func (serverCommand) Run(args []string) error {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	listen := flags.String("listen", envOr("CRAKE_LISTEN", "127.0.0.1:4433"), "listen address")
	insecure := flags.Bool("insecure", false, "disable the cipher engine")
	psk := flags.String("psk", "", "pre-shared key")
	logLevel := flags.String("log", "info", "log level")
	workers := flags.Int("workers", 0, "executor pool size")
	if err := flags.Parse(args); err != nil {
		return err
	}
	config, err := newEndpointConfig(newEchoHandler(), *insecure, *psk, *logLevel, *workers)
	if err != nil {
		return err
	}
	server := crake.NewServer(config)
	if err := server.Listen(*listen); err != nil {
		return err
	}
	defer server.Close()
	return server.Serve()
}

// echoConn holds the per-connection state the echo handler needs between
// readiness callbacks: the readiness handle and any bytes accepted but not
// yet written back.
type echoConn struct {
	handle  session.Handle
	pending []byte
}

// echoHandler writes every byte it reads back to the peer. All callbacks
// run on the reactor, so the connection map needs no locking.
type echoHandler struct {
	conns map[session.Channel]*echoConn
}

func newEchoHandler() *echoHandler {
	return &echoHandler{conns: make(map[session.Channel]*echoConn)}
}

func (h *echoHandler) HandleAccept(c session.Channel, hd session.Handle) {
	h.conns[c] = &echoConn{handle: hd}
	hd.SelectForRead()
}

func (h *echoHandler) HandleConnect(c session.Channel, hd session.Handle) {
	h.HandleAccept(c, hd)
}

func (h *echoHandler) HandleRead(c session.Channel) {
	conn := h.conns[c]
	if conn == nil {
		return
	}
	var buf [4096]byte
	for {
		n, err := c.Read(buf[:])
		if err != nil {
			conn.handle.Close()
			return
		}
		if n == 0 {
			break
		}
		if !h.send(c, conn, buf[:n]) {
			return
		}
		if len(conn.pending) > 0 {
			// Wait for the socket to drain before reading more.
			conn.handle.SelectForWrite()
			return
		}
	}
	conn.handle.SelectForRead()
}

func (h *echoHandler) HandleWrite(c session.Channel) {
	conn := h.conns[c]
	if conn == nil {
		return
	}
	if !h.send(c, conn, nil) {
		return
	}
	if len(conn.pending) > 0 {
		conn.handle.SelectForWrite()
		return
	}
	conn.handle.SelectForRead()
}

// send appends p to the pending buffer and writes as much as the session
// accepts. Returns false when the connection is being torn down.
func (h *echoHandler) send(c session.Channel, conn *echoConn, p []byte) bool {
	conn.pending = append(conn.pending, p...)
	for len(conn.pending) > 0 {
		n, err := c.Write(conn.pending)
		if err != nil {
			conn.handle.Close()
			return false
		}
		if n == 0 {
			break
		}
		conn.pending = conn.pending[n:]
	}
	if len(conn.pending) == 0 {
		conn.pending = nil
	}
	return true
}

func (h *echoHandler) Closing(c session.Channel) {
	delete(h.conns, c)
	fmt.Printf("closed %s\n", c.RemoteAddr())
}
