// Command attach is a diagnostic client: it binds a terminal session over
// either transport and wires it to the local stdin/stdout. The local tty is
// left in cooked mode, so it is a smoke-test tool rather than a full
// terminal; Ctrl-D on its own line exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inknote/termhub/internal/client"
)

func main() {
	_ = godotenv.Load()

	var (
		url   = flag.String("url", "http://localhost:8090", "termhub server base URL")
		token = flag.String("token", os.Getenv("TERMHUB_ACCESS_TOKEN"), "access token")
		mode  = flag.String("mode", "pty", "transport mode: pty or repl")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	providers := client.NewProviders()
	providers.Register(client.NewPTYProvider(*url, *token, log.Logger))
	providers.Register(client.NewReplProvider(*url, *token, log.Logger))

	m := client.Mode(*mode)
	provider, err := providers.Lookup(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(1)
	}

	emulator := client.NewEmulator(provider, os.Stdout, log.Logger)
	emulator.OnState = func(s client.ConnState) {
		log.Debug().Str("state", string(s)).Msg("connection state")
	}
	emulator.OnError = func(err error) {
		log.Warn().Err(err).Msg("transport error")
	}

	orch := client.NewOrchestrator(providers, m, emulator, log.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := orch.Show(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "failed to start session: %v\n", err)
		os.Exit(1)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readKeys(os.Stdin, orch)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
}

// readKeys decodes stdin into key events until EOF or Ctrl-D.
func readKeys(in io.Reader, orch *client.Orchestrator) {
	r := bufio.NewReader(in)
	for {
		ch, _, err := r.ReadRune()
		if err != nil {
			return
		}
		switch ch {
		case 0x1b:
			// arrow keys arrive as ESC [ A / ESC [ B
			next, _, err := r.ReadRune()
			if err != nil {
				return
			}
			if next != '[' {
				continue
			}
			final, _, err := r.ReadRune()
			if err != nil {
				return
			}
			switch final {
			case 'A':
				orch.HandleKey(client.Key{Type: client.KeyUp})
			case 'B':
				orch.HandleKey(client.Key{Type: client.KeyDown})
			}
		case '\r', '\n':
			orch.HandleKey(client.Key{Type: client.KeyEnter})
		case 0x7f, '\b':
			orch.HandleKey(client.Key{Type: client.KeyBackspace})
		case 0x03:
			orch.HandleKey(client.Key{Type: client.KeyCtrlC})
		case 0x04:
			orch.HandleKey(client.Key{Type: client.KeyCtrlD})
			return
		default:
			orch.HandleKey(client.Key{Type: client.KeyRune, Rune: ch})
		}
	}
}
