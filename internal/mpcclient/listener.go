package mpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/confidex/crank/internal/rpcclient"
)

// eventLogPrefix marks a program log line carrying a base64-encoded
// callback event payload, the Anchor "Program data:" convention the MXE
// program uses to emit PriceCompareResult/FillCalculationResult events.
const eventLogPrefix = "Program data: "

// eventQueueSize bounds the in-process queue between the subscription's
// own goroutine and the consumer loop that calls HandleCallback (§9 design
// note: "dedicated listener task that converts events to messages on a
// bounded in-process queue").
const eventQueueSize = 256

// eventPayload is the fixed-shape JSON envelope carried by eventLogPrefix
// lines. Anything that doesn't decode into this shape is rejected rather
// than partially interpreted (§9: "specify each payload as a tagged variant
// with fixed binary layout; reject anything else at the boundary").
type eventPayload struct {
	Name              string `json:"name"`
	RequestID         string `json:"requestId"`
	ComputationOffset uint64 `json:"computationOffset"`
	PricesMatch       bool   `json:"pricesMatch"`
	TxSignature       string `json:"txSignature"`
	ErrorMessage      string `json:"errorMessage"`
}

// ParseCallbackLog extracts a callback Event from one program log line.
// Lines without eventLogPrefix, or with an unparseable or unrecognized
// payload, are reported via ok=false rather than guessed at.
func ParseCallbackLog(line string) (ev Event, ok bool) {
	if !strings.HasPrefix(line, eventLogPrefix) {
		return Event{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, eventLogPrefix))
	if err != nil {
		return Event{}, false
	}
	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, false
	}
	name := EventName(p.Name)
	if name != EventPriceCompareResult && name != EventFillCalculationResult {
		return Event{}, false
	}
	return Event{
		Name:              name,
		RequestID:         p.RequestID,
		ComputationOffset: p.ComputationOffset,
		PricesMatch:       p.PricesMatch,
		TxSignature:       p.TxSignature,
		ErrorMessage:      p.ErrorMessage,
	}, true
}

// LogsSubscriber is the subset of *rpcclient.SubConn the callback listener
// depends on.
type LogsSubscriber interface {
	SubscribeLogs(program string, cb rpcclient.LogsCallback) (int, error)
}

// Listen subscribes to programID's logs and feeds parsed callback events to
// HandleCallback through a bounded in-process queue, decoupling delivery
// from the subscription's own read-loop goroutine (§9 design note). It
// blocks until ctx is cancelled or the subscribe call itself fails.
func (c *Client) Listen(ctx context.Context, sub LogsSubscriber, programID string) error {
	queue := make(chan Event, eventQueueSize)

	_, err := sub.SubscribeLogs(programID, func(signature string, logs []string, slot uint64) {
		for _, line := range logs {
			ev, ok := ParseCallbackLog(line)
			if !ok {
				continue
			}
			select {
			case queue <- ev:
			default:
				log.Warn().Str("requestId", ev.RequestID).Msg("mpc callback event queue full, dropping event")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("mpcclient: subscribe to callback logs: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-queue:
			if err := c.HandleCallback(ev); err != nil {
				log.Warn().Err(err).Str("requestId", ev.RequestID).Msg("failed to handle mpc callback event")
			}
		}
	}
}
