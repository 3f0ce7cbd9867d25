package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zubridge/host/internal/websockettest"
)

func newTestServer(t *testing.T, tp *WSTransport) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		subscriberID := r.URL.Query().Get("id")
		tp.Register(subscriberID, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSTransportSendDeliversFrame(t *testing.T) {
	codec, err := NewCodec(8192, AlgorithmGzip)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tp := NewWSTransport(nil, time.Hour, 0, codec)
	srv := newTestServer(t, tp)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=sub-a"
	conn, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := sendWhenRegistered(tp, "sub-a", ChannelNameForTest, []byte(`{"hello":true}`)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var frame wireFrame
	if err := json.Unmarshal(decoded, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Channel != ChannelNameForTest {
		t.Fatalf("unexpected channel %q", frame.Channel)
	}
}

func TestWSTransportInvokeRoundTrip(t *testing.T) {
	codec, err := NewCodec(8192, AlgorithmSnappy)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tp := NewWSTransport(nil, time.Hour, 0, codec)
	srv := newTestServer(t, tp)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=sub-b"
	conn, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			decoded, err := codec.Decode(raw)
			if err != nil {
				continue
			}
			var req wireFrame
			if err := json.Unmarshal(decoded, &req); err != nil {
				continue
			}
			reply := wireFrame{Envelope: Envelope{Channel: req.Channel, RequestID: req.RequestID, Payload: req.Payload}, IsReply: true}
			replyRaw, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			framed, err := codec.Encode(replyRaw)
			if err != nil {
				continue
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, framed)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	var reply []byte
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		reply, err = tp.Invoke(ctx, "sub-b", ChannelNameForTest, []byte(`{"ping":true}`))
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("invoke never completed: %v", err)
		}
	}
	if string(reply) != `{"ping":true}` {
		t.Fatalf("unexpected reply payload %s", reply)
	}
}

// sendWhenRegistered makes one Send attempt; callers retry it in a loop
// since the server handler's Register call is not synchronized with the
// dialer's return.
func sendWhenRegistered(tp *WSTransport, subscriberID, channel string, payload []byte) error {
	return tp.Send(subscriberID, channel, payload)
}

const ChannelNameForTest = "test/channel"
