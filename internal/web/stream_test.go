package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lishine/esp-sub000/internal/gps"
)

func TestFixBroadcaster_LastValueAndUnsubscribe(t *testing.T) {
	b := NewFixBroadcaster()
	b.Publish(gps.Fix{Latitude: 1})

	id, ch := b.Subscribe(1)
	if got := <-ch; got.Latitude != 1 {
		t.Fatalf("first sample=%+v", got)
	}
	// Full subscriber channels drop updates instead of blocking.
	b.Publish(gps.Fix{Latitude: 2})
	b.Publish(gps.Fix{Latitude: 3})
	if got := <-ch; got.Latitude != 2 {
		t.Fatalf("second sample=%+v", got)
	}
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
	b.Publish(gps.Fix{Latitude: 4})
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", b.Subscribers())
	}
}

func TestGPSStream_PushesFixes(t *testing.T) {
	fixes := NewFixBroadcaster()
	ts := httptest.NewServer(Handler(Options{Fixes: fixes}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/gps/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for fixes.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	fixes.Publish(gps.Fix{Valid: true, HasPosition: true, Latitude: 32.5, Longitude: 34.9, LastUpdate: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v FixView
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !v.Valid || v.LatDeg == nil || *v.LatDeg != 32.5 || v.Stale {
		t.Fatalf("view=%+v", v)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	for fixes.Subscribers() != 0 {
		if time.Now().After(deadline.Add(time.Second)) {
			t.Fatalf("stream did not unsubscribe")
		}
		time.Sleep(time.Millisecond)
	}
}
