package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"afaqbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	msg := domain.InboundMessage{Channel: "telegram", SenderID: "42", Content: "hi"}

	if !b.Publish(msg) {
		t.Fatal("publish should succeed")
	}
	select {
	case got := <-b.Subscribe():
		if got.Content != "hi" || got.UserKey() != "telegram:42" {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublish_FullBusDrops(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond

	if !b.Publish(domain.InboundMessage{Content: "first"}) {
		t.Fatal("first publish should fit the buffer")
	}
	if b.Publish(domain.InboundMessage{Content: "second"}) {
		t.Fatal("publish to a full bus should report a drop")
	}
}

func TestPublish_WaitsForSpace(t *testing.T) {
	b := New(1, testLogger())
	b.Publish(domain.InboundMessage{Content: "first"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-b.Subscribe()
	}()
	if !b.Publish(domain.InboundMessage{Content: "second"}) {
		t.Fatal("publish should succeed once a worker drains the queue")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	if b.Publish(domain.InboundMessage{Content: "late"}) {
		t.Fatal("publish after close should fail")
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("inbound channel should be closed")
	}
}

func TestSendOutbound_RoutesByChannel(t *testing.T) {
	b := New(1, testLogger())
	var got []string
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { got = append(got, "tg:"+m.Content) })
	b.OnOutbound("websocket", func(m domain.OutboundMessage) { got = append(got, "ws:"+m.Content) })

	b.SendOutbound(domain.OutboundMessage{Channel: "websocket", Content: "a"})
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Content: "b"})
	b.SendOutbound(domain.OutboundMessage{Channel: "unknown", Content: "c"})

	if len(got) != 2 || got[0] != "ws:a" || got[1] != "tg:b" {
		t.Fatalf("unexpected dispatch %v", got)
	}
}
