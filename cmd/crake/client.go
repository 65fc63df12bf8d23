package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/goburrow/crake"
	"github.com/goburrow/crake/session"
)

type clientCommand struct{}

func (clientCommand) Name() string { return "client" }
func (clientCommand) Desc() string { return "connect and relay stdin lines" }

func (clientCommand) Run(args []string) error {
	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	insecure := flags.Bool("insecure", false, "disable the cipher engine")
	psk := flags.String("psk", "", "pre-shared key")
	logLevel := flags.String("log", "info", "log level")
	workers := flags.Int("workers", 0, "executor pool size")
	if err := flags.Parse(args); err != nil {
		return err
	}
	addr := flags.Arg(0)
	if addr == "" {
		return fmt.Errorf("usage: crake client [options] <address>")
	}
	handler := newRelayHandler()
	config, err := newEndpointConfig(handler, *insecure, *psk, *logLevel, *workers)
	if err != nil {
		return err
	}
	client := crake.NewClient(config)
	handler.client = client
	if err := client.Connect(addr); err != nil {
		return err
	}
	go handler.relayStdin()
	defer client.Close()
	return client.Serve()
}

// relayHandler sends stdin lines to the peer and prints whatever comes
// back. Session state is only touched on the reactor; the stdin goroutine
// hands lines over with Dispatch.
type relayHandler struct {
	client *crake.Client

	ready chan struct{}

	// Reactor-confined.
	conn    session.Channel
	handle  session.Handle
	pending []byte
	closed  bool
}

func newRelayHandler() *relayHandler {
	return &relayHandler{ready: make(chan struct{})}
}

func (h *relayHandler) HandleAccept(c session.Channel, hd session.Handle) {
	h.HandleConnect(c, hd)
}

func (h *relayHandler) HandleConnect(c session.Channel, hd session.Handle) {
	h.conn = c
	h.handle = hd
	hd.SelectForRead()
	close(h.ready)
}

func (h *relayHandler) HandleRead(c session.Channel) {
	var buf [4096]byte
	for {
		n, err := c.Read(buf[:])
		if err != nil {
			h.handle.Close()
			return
		}
		if n == 0 {
			break
		}
		os.Stdout.Write(buf[:n])
	}
	h.handle.SelectForRead()
}

func (h *relayHandler) HandleWrite(c session.Channel) {
	h.flush()
}

func (h *relayHandler) Closing(c session.Channel) {
	h.closed = true
	fmt.Fprintln(os.Stderr, "connection closed")
	h.client.Close()
}

// send queues p for the peer. Runs on the reactor.
func (h *relayHandler) send(p []byte) {
	if h.closed {
		return
	}
	h.pending = append(h.pending, p...)
	h.flush()
}

func (h *relayHandler) flush() {
	for len(h.pending) > 0 {
		n, err := h.conn.Write(h.pending)
		if err != nil {
			h.handle.Close()
			return
		}
		if n == 0 {
			h.handle.SelectForWrite()
			return
		}
		h.pending = h.pending[n:]
	}
	h.pending = nil
}

// relayStdin reads lines from stdin and dispatches them onto the reactor.
// Closes the session when stdin is exhausted.
func (h *relayHandler) relayStdin() {
	<-h.ready
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		data := make([]byte, len(line))
		copy(data, line)
		h.client.Dispatch(func() {
			h.send(data)
		})
	}
	h.client.Dispatch(func() {
		if !h.closed {
			h.handle.Close()
		}
	})
}
