package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"benchduo/internal/duo"
)

func TestChatStreamRelaysEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.store.CreateConversation(ctx, "c1", "a1", "a2", "topic", 4, nil); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.Dial(ctx, srv.URL+"/chat/c1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The handler subscribes just after the handshake; wait for the topic
	// to appear before publishing so the event cannot be lost.
	time.Sleep(200 * time.Millisecond)

	env.broker.Publish("c1", duo.Event{ConversationID: "c1", Sender: duo.RoleAgent1, Text: "hel"})
	var got duo.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if got.Text != "hel" || got.Sender != duo.RoleAgent1 {
		t.Errorf("event = %+v", got)
	}

	// A final event ends the stream from the server side.
	env.broker.Publish("c1", duo.Event{ConversationID: "c1", Final: true, Status: duo.StatusCompleted})
	var final duo.Event
	for !final.Final {
		if err := wsjson.Read(ctx, conn, &final); err != nil {
			t.Fatalf("reading final event: %v", err)
		}
	}
	if final.Status != duo.StatusCompleted {
		t.Errorf("final status = %q", final.Status)
	}

	// After Final the server closed normally; the next read reports it.
	if err := wsjson.Read(ctx, conn, &duo.Event{}); err == nil {
		t.Error("expected closed stream after final event")
	}
}

func TestChatStreamFinishedConversationClosesCleanly(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.store.CreateConversation(ctx, "c9", "a1", "a2", "topic", 4, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpdateConversationStatus(ctx, "c9", duo.StatusCompleted, time.Now()); err != nil {
		t.Fatal(err)
	}
	// A finished conversation's topic is already closed; a subscriber
	// arriving now must not sit on a feed nobody publishes to.
	env.broker.CloseTopic("c9")

	conn, _, err := websocket.Dial(ctx, srv.URL+"/chat/c9/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = wsjson.Read(ctx, conn, &duo.Event{})
	if err == nil {
		t.Fatal("expected an immediately closed feed for a finished conversation")
	}
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

func TestChatStreamUnknownConversation(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chat/ghost/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
