package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/llm/normalize"
)

const readChunkSize = 32 * 1024

// EventFunc receives normalized events in order.
type EventFunc func(llm.Event)

// ChunkFunc receives raw body bytes before they are decoded.
type ChunkFunc func([]byte)

type readResult struct {
	data []byte
	err  error
}

// Stream reads body until EOF, feeding each chunk to dec and forwarding the
// decoded events to onEvent. It races every read against cancel and ctx.
//
// Stream always reports its own failure through onEvent before returning
// it: cancellation yields an ABORTED error event, a read failure or idle
// timeout a TRANSPORT one, and a terminal in-band provider error is
// forwarded as decoded. The body is closed before Stream returns.
func (c *Client) Stream(ctx context.Context, body io.ReadCloser, dec *normalize.Decoder, onChunk ChunkFunc, onEvent EventFunc, cancel <-chan struct{}) error {
	defer body.Close() //nolint:errcheck

	results := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go pump(body, results, stop)

	var idle <-chan time.Time
	var timer *time.Timer
	if c.opts.IdleTimeout > 0 {
		timer = time.NewTimer(c.opts.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	fail := func(err *llm.Error) error {
		onEvent(llm.ErrorEvent(err.Envelope()))
		return err
	}

	for {
		select {
		case <-cancel:
			return fail(llm.NewAbortedError(""))
		case <-ctx.Done():
			return fail(llm.NewAbortedError(""))
		case <-idle:
			return fail(llm.NewTransportError("stream idle timeout", context.DeadlineExceeded))
		case r := <-results:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.opts.IdleTimeout)
			}
			if len(r.data) > 0 {
				if onChunk != nil {
					onChunk(r.data)
				}
				if err := forward(dec.Feed(r.data), onEvent); err != nil {
					return err
				}
			}
			if r.err == nil {
				continue
			}
			if errors.Is(r.err, io.EOF) {
				return forward(dec.Flush(), onEvent)
			}
			// A cancel that races a read error still reports as an abort.
			select {
			case <-cancel:
				return fail(llm.NewAbortedError(""))
			default:
			}
			if ctx.Err() != nil {
				return fail(llm.NewAbortedError(""))
			}
			return fail(llm.NewTransportError("stream read failed", r.err))
		}
	}
}

// forward delivers events and stops at the first terminal error.
func forward(events []llm.Event, onEvent EventFunc) error {
	for _, ev := range events {
		onEvent(ev)
		if ev.Type == llm.EventError && ev.IsTerminal() {
			env := ev.Error
			return &llm.Error{
				Code:       env.Code,
				Message:    env.Message,
				ProviderID: env.ProviderID,
				RequestID:  env.RequestID,
				Status:     env.Status,
				Retryable:  env.Retryable,
			}
		}
	}
	return nil
}

// pump copies body reads onto results until EOF, error or stop.
func pump(body io.Reader, results chan<- readResult, stop <-chan struct{}) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := body.Read(buf)
		select {
		case results <- readResult{data: buf[:n], err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}
