// Package stdio provides the local command-line transport: newline-delimited
// JSON command envelopes read from an io.Reader, responses and asynchronous
// subscription notifications written to an io.Writer. It is the only inbound
// transport this project wires up (a WebSocket/HTTP surface is explicitly out
// of scope); the operator channel it serves is built by the caller — either
// a dev-mode blanket grant or a channel authenticated from a capability
// token.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/vsstree/server/internal/domain/channel"
	"github.com/vsstree/server/internal/domain/commandproc"
)

// Transport relays command envelopes between in/out and a Processor over a
// single channel.
type Transport struct {
	processor *commandproc.Processor
	channel   *channel.Channel
	logger    *slog.Logger

	mu  sync.Mutex // serializes writes to out: responses and async pushes interleave
	out io.Writer
}

// New returns a Transport serving ch, which the caller has already built
// and authorized.
func New(processor *commandproc.Processor, ch *channel.Channel, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{processor: processor, channel: ch, logger: logger}
}

// Start reads newline-delimited JSON command envelopes from in, dispatches
// each to the processor, and writes the response (also newline-delimited) to
// out. Subscription notifications pushed asynchronously via the channel's
// Send share the same writer under a mutex, so a notification never
// interleaves with a partially written response line. Start blocks until ctx
// is cancelled or in reaches EOF.
func (t *Transport) Start(ctx context.Context, in io.Reader, out io.Writer) error {
	t.out = out
	t.channel.Send = t.writeLine

	lines := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-errCh
			}
			if len(line) == 0 {
				continue
			}
			resp := t.processor.Process(t.channel, json.RawMessage(line))
			if err := t.writeLine(resp); err != nil {
				t.logger.Error("stdio: write response failed", "error", err)
				return err
			}
		}
	}
}

func (t *Transport) writeLine(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(payload); err != nil {
		return err
	}
	_, err := t.out.Write([]byte("\n"))
	return err
}

// ChannelID returns the ID of the transport's single channel, mostly useful
// for closing its subscriptions on shutdown via subscription.Registry.CloseChannel.
func (t *Transport) ChannelID() string {
	return t.channel.ID
}
