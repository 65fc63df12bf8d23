package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/goburrow/crake"
	"github.com/goburrow/crake/curve"
	"github.com/goburrow/crake/session"
)

type command interface {
	Name() string
	Desc() string
	Run([]string) error
}

func main() {
	godotenv.Load()
	commands := []command{clientCommand{}, serverCommand{}}
	usage := func() {
		fmt.Fprintln(os.Stderr, "Usage: crake <command> [arguments]")
		fmt.Fprintln(os.Stderr, "commands:")
		for _, c := range commands {
			fmt.Fprintf(os.Stderr, "\t%-16s%s\n", c.Name(), c.Desc())
		}
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	for _, c := range commands {
		if c.Name() == cmd {
			err := c.Run(os.Args[2:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
	}
	usage()
	os.Exit(2)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// readPSK resolves the pre-shared key from the flag, the CRAKE_PSK
// environment variable, or an interactive prompt.
func readPSK(flagValue string) ([]byte, error) {
	if flagValue != "" {
		return []byte(flagValue), nil
	}
	if v := os.Getenv("CRAKE_PSK"); v != "" {
		return []byte(v), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no pre-shared key: set --psk or CRAKE_PSK")
	}
	fmt.Fprint(os.Stderr, "pre-shared key: ")
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func newEndpointConfig(handler session.Handler, insecure bool, psk string, logLevel string, workers int) (*crake.Config, error) {
	config := crake.NewConfig(handler)
	if workers > 0 {
		config.Workers = workers
	}
	logger, err := crake.NewLogger(logLevel)
	if err != nil {
		return nil, err
	}
	config.Logger = logger
	if !insecure {
		key, err := readPSK(psk)
		if err != nil {
			return nil, err
		}
		config.Engine = func(role session.Role) session.Engine {
			return curve.NewEngine(&curve.Config{PSK: key}, role)
		}
	}
	return config, nil
}
