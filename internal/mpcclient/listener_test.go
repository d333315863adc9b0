package mpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/confidex/crank/internal/rpcclient"
)

func encodeEventLog(t *testing.T, p eventPayload) string {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return eventLogPrefix + base64.StdEncoding.EncodeToString(raw)
}

func TestParseCallbackLogDecodesRecognizedEvent(t *testing.T) {
	line := encodeEventLog(t, eventPayload{
		Name:              string(EventPriceCompareResult),
		RequestID:         "req-1",
		ComputationOffset: 7,
		PricesMatch:       true,
	})

	ev, ok := ParseCallbackLog(line)
	if !ok {
		t.Fatal("expected ok=true for a well-formed event log")
	}
	if ev.Name != EventPriceCompareResult || ev.RequestID != "req-1" || ev.ComputationOffset != 7 || !ev.PricesMatch {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseCallbackLogIgnoresUnrelatedLines(t *testing.T) {
	if _, ok := ParseCallbackLog("Program log: some unrelated line"); ok {
		t.Fatal("expected ok=false for a line without the event prefix")
	}
}

func TestParseCallbackLogRejectsMalformedPayload(t *testing.T) {
	if _, ok := ParseCallbackLog(eventLogPrefix + "not-base64!!!"); ok {
		t.Fatal("expected ok=false for invalid base64")
	}
	if _, ok := ParseCallbackLog(eventLogPrefix + base64.StdEncoding.EncodeToString([]byte("not json"))); ok {
		t.Fatal("expected ok=false for invalid JSON")
	}
}

func TestParseCallbackLogRejectsUnrecognizedEventName(t *testing.T) {
	line := encodeEventLog(t, eventPayload{Name: "SomethingElse", RequestID: "req-2"})
	if _, ok := ParseCallbackLog(line); ok {
		t.Fatal("expected ok=false for an unrecognized event name")
	}
}

type fakeLogsSubscriber struct {
	program string
	cb      rpcclient.LogsCallback
}

func (f *fakeLogsSubscriber) SubscribeLogs(program string, cb rpcclient.LogsCallback) (int, error) {
	f.program = program
	f.cb = cb
	return 1, nil
}

func TestListenDeliversParsedEventsToHandleCallback(t *testing.T) {
	c, _, store := newTestClient(nil)
	sub := &fakeLogsSubscriber{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenDone := make(chan error, 1)
	go func() { listenDone <- c.Listen(ctx, sub, "prog-1") }()

	deadline := time.Now().Add(time.Second)
	for sub.cb == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Listen to subscribe")
		}
		time.Sleep(time.Millisecond)
	}
	if sub.program != "prog-1" {
		t.Fatalf("expected subscribe to prog-1, got %q", sub.program)
	}

	line := encodeEventLog(t, eventPayload{
		Name:              string(EventFillCalculationResult),
		RequestID:         "req-3",
		ComputationOffset: 42,
	})
	sub.cb("sig", []string{"Program log: noise", line}, 1)

	processed := false
	for i := 0; i < 1000; i++ {
		ok, err := store.IsProcessed("req-3:FillCalculationResult")
		if err != nil {
			t.Fatalf("IsProcessed: %v", err)
		}
		if ok {
			processed = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !processed {
		t.Fatal("expected the parsed event to reach HandleCallback and be marked processed")
	}

	cancel()
	<-listenDone
}
