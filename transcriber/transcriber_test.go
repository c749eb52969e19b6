package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nasikh/audio"
	"nasikh/transcript"

	"nhooyr.io/websocket"
)

func fakeService(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readHandshake(t *testing.T, ctx context.Context, c *websocket.Conn) map[string]any {
	t.Helper()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Errorf("read handshake: %v", err)
		return nil
	}
	if typ != websocket.MessageText {
		t.Errorf("handshake type = %v", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("handshake json: %v", err)
	}
	return m
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	b, _ := json.Marshal(v)
	return c.Write(ctx, websocket.MessageText, b)
}

func collect(t *testing.T, s Stream) []transcript.Event {
	t.Helper()
	var out []transcript.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, msg...)
		case <-timeout:
			t.Fatal("timed out waiting for events to close")
		}
	}
}

func frame(seq uint64) audio.Frame {
	return audio.Frame{Samples: make([]int16, audio.FrameSamples), Seq: seq}
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGenericStream(t *testing.T) {
	url := fakeService(t, func(ctx context.Context, c *websocket.Conn) {
		hs := readHandshake(t, ctx, c)
		if hs["credential"] != "secret" || hs["encoding"] != "LINEAR16" || hs["language"] != "ar" {
			t.Errorf("handshake = %v", hs)
		}
		if hs["sampleRateHz"] != float64(16000) {
			t.Errorf("sampleRateHz = %v", hs["sampleRateHz"])
		}

		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary || len(data) != audio.FrameSamples*2 {
			t.Errorf("priming frame: typ=%v len=%d err=%v", typ, len(data), err)
		}

		frames := 0
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				t.Errorf("read: %v", err)
				return
			}
			if typ == websocket.MessageText && len(data) == 0 {
				break
			}
			frames++
			if frames == 1 {
				writeJSON(ctx, c, map[string]any{"text": "مرحبا", "isFinal": false})
			}
		}
		if frames != 3 {
			t.Errorf("got %d frames, want 3", frames)
		}
		writeJSON(ctx, c, map[string]any{"text": "مرحبا بالعالم", "isFinal": true, "confidence": 0.9})
		c.Close(websocket.StatusNormalClosure, "")
	})

	client := newClient(t, Config{URL: url, Protocol: "generic", Prime: true})
	s, err := client.Connect(context.Background(), "secret", "ar")
	if err != nil {
		t.Fatal(err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Send(frame(seq)); err != nil {
			t.Fatalf("send %d: %v", seq, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.CloseGracefully(context.Background()) }()
	events := collect(t, s)
	if err := <-done; err != nil {
		t.Fatalf("CloseGracefully: %v", err)
	}

	want := []transcript.Event{
		{Text: "مرحبا"},
		{Text: "مرحبا بالعالم", IsFinal: true, Confidence: 0.9},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
	if st := s.Stats(); st.SentChunks != 3 || st.RecvFinal != 1 || st.RecvInterim != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSonioxStream(t *testing.T) {
	url := fakeService(t, func(ctx context.Context, c *websocket.Conn) {
		hs := readHandshake(t, ctx, c)
		if hs["api_key"] != "k" || hs["audio_format"] != "pcm_s16le" || hs["model"] != sonioxModel {
			t.Errorf("handshake = %v", hs)
		}
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && len(data) == 0 {
				break
			}
		}
		writeJSON(ctx, c, map[string]any{"tokens": []map[string]any{
			{"text": "hello", "is_final": true},
			{"text": " wor", "is_final": false},
		}})
		writeJSON(ctx, c, map[string]any{"tokens": []map[string]any{{"text": " world", "is_final": true}}, "finished": true})
		c.Read(ctx)
	})

	client := newClient(t, Config{URL: url, Protocol: "soniox"})
	s, err := client.Connect(context.Background(), "k", "")
	if err != nil {
		t.Fatal(err)
	}
	s.Send(frame(1))
	done := make(chan error, 1)
	go func() { done <- s.CloseGracefully(context.Background()) }()
	var msgs [][]transcript.Event
	for msg := range s.Events() {
		msgs = append(msgs, msg)
	}
	if err := <-done; err != nil {
		t.Fatalf("CloseGracefully: %v", err)
	}

	// The final and interim tokens of one message arrive together.
	if len(msgs) != 2 || len(msgs[0]) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	r := transcript.New()
	for _, msg := range msgs {
		if u := r.ApplyAll(msg); u.Revised {
			t.Errorf("message %+v reported as revision", msg)
		}
	}
	if r.Transcript() != "hello world" {
		t.Errorf("transcript = %q (messages %+v)", r.Transcript(), msgs)
	}
}

func TestSonioxConfirmedPrefixIsNotRevision(t *testing.T) {
	p, err := NewProtocol("soniox", "")
	if err != nil {
		t.Fatal(err)
	}
	r := transcript.New()
	for i, msg := range []string{
		`{"tokens":[{"text":"hello","is_final":false},{"text":" wo","is_final":false}]}`,
		`{"tokens":[{"text":"hello","is_final":true},{"text":" wor","is_final":false}]}`,
		`{"tokens":[{"text":" world","is_final":true}]}`,
	} {
		events, _, err := p.Decode([]byte(msg))
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		prev := r.Len()
		u := r.ApplyAll(events)
		if u.Revised {
			t.Errorf("message %d: transcript %q reported as revision", i, u.Transcript)
		}
		if r.Len() < prev {
			t.Errorf("message %d: transcript shrank to %q", i, u.Transcript)
		}
	}
	if r.Transcript() != "hello world" {
		t.Errorf("transcript = %q", r.Transcript())
	}
}

func TestConnectErrors(t *testing.T) {
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorized.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	refused := httptest.NewServer(http.NotFoundHandler())
	refusedURL := refused.URL
	refused.Close()

	for _, tt := range []struct {
		name string
		url  string
		want error
	}{
		{"http 401", unauthorized.URL, ErrAuthRejected},
		{"handshake timeout", slow.URL, ErrTimeout},
		{"refused", refusedURL, ErrConnectionFailed},
	} {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, Config{URL: tt.url, HandshakeTimeout: 100 * time.Millisecond})
			_, err := client.Connect(context.Background(), "x", "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStreamFailures(t *testing.T) {
	for _, tt := range []struct {
		name  string
		serve func(ctx context.Context, c *websocket.Conn)
		want  error
	}{
		{
			name: "auth close status",
			serve: func(ctx context.Context, c *websocket.Conn) {
				c.Read(ctx)
				c.Close(websocket.StatusCode(4001), "invalid credential")
			},
			want: ErrAuthRejected,
		},
		{
			name: "auth error message",
			serve: func(ctx context.Context, c *websocket.Conn) {
				c.Read(ctx)
				writeJSON(ctx, c, map[string]any{"error": "bad key", "code": 401})
				c.Read(ctx)
			},
			want: ErrAuthRejected,
		},
		{
			name: "service error",
			serve: func(ctx context.Context, c *websocket.Conn) {
				c.Read(ctx)
				writeJSON(ctx, c, map[string]any{"error": "overloaded", "code": 503})
				c.Read(ctx)
			},
			want: ErrConnectionFailed,
		},
		{
			name: "connection drop",
			serve: func(ctx context.Context, c *websocket.Conn) {
				c.Read(ctx)
				c.Close(websocket.StatusInternalError, "boom")
			},
			want: ErrConnectionFailed,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			url := fakeService(t, tt.serve)
			client := newClient(t, Config{URL: url})
			s, err := client.Connect(context.Background(), "x", "")
			if err != nil {
				t.Fatal(err)
			}
			defer s.CloseImmediately()
			collect(t, s)
			if !errors.Is(s.Err(), tt.want) {
				t.Fatalf("Err = %v, want %v", s.Err(), tt.want)
			}
		})
	}
}

func TestMalformedMessageSkipped(t *testing.T) {
	url := fakeService(t, func(ctx context.Context, c *websocket.Conn) {
		c.Read(ctx)
		c.Write(ctx, websocket.MessageText, []byte("not json"))
		writeJSON(ctx, c, map[string]any{"text": "ok", "isFinal": true})
		c.Close(websocket.StatusNormalClosure, "")
	})
	client := newClient(t, Config{URL: url})
	s, err := client.Connect(context.Background(), "x", "")
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, s)
	if len(events) != 1 || events[0].Text != "ok" {
		t.Errorf("events = %+v", events)
	}
	if s.Err() != nil {
		t.Errorf("Err = %v", s.Err())
	}
}

func TestGracefulCloseTimeout(t *testing.T) {
	url := fakeService(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	client := newClient(t, Config{URL: url, GraceTimeout: 100 * time.Millisecond})
	s, err := client.Connect(context.Background(), "x", "")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err = s.CloseGracefully(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("graceful close took %s", d)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("events still open after timeout")
	}
}

func TestSendOrdering(t *testing.T) {
	url := fakeService(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	client := newClient(t, Config{URL: url})
	s, err := client.Connect(context.Background(), "x", "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.CloseImmediately()

	if err := s.Send(frame(2)); err != nil {
		t.Fatal(err)
	}
	for _, seq := range []uint64{2, 1} {
		if err := s.Send(frame(seq)); !errors.Is(err, ErrOutOfOrder) {
			t.Errorf("Send(%d) = %v, want ErrOutOfOrder", seq, err)
		}
	}
	if err := s.Send(frame(5)); err != nil {
		t.Errorf("gap in sequence rejected: %v", err)
	}
}

func TestCloseImmediately(t *testing.T) {
	url := fakeService(t, func(ctx context.Context, c *websocket.Conn) {
		c.Read(ctx)
		writeJSON(ctx, c, map[string]any{"text": "partial"})
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	client := newClient(t, Config{URL: url})
	s, err := client.Connect(context.Background(), "x", "")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	s.CloseImmediately()
	if d := time.Since(start); d > time.Second {
		t.Errorf("CloseImmediately took %s", d)
	}
	collect(t, s)
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil after cancel", s.Err())
	}
	if err := s.Send(frame(1)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Send after close = %v", err)
	}
}

func TestSonioxDecode(t *testing.T) {
	p, _ := NewProtocol("soniox", "")
	for _, tt := range []struct {
		name     string
		msg      string
		want     []transcript.Event
		finished bool
		err      error
	}{
		{
			name: "mixed tokens",
			msg:  `{"tokens":[{"text":"مر","is_final":true},{"text":"حبا","is_final":true},{"text":" بال","is_final":false}]}`,
			want: []transcript.Event{{Text: "مرحبا", IsFinal: true}, {Text: " بال"}},
		},
		{
			name: "interim only",
			msg:  `{"tokens":[{"text":"he","is_final":false},{"text":"llo","is_final":false}]}`,
			want: []transcript.Event{{Text: "hello"}},
		},
		{
			name:     "finished",
			msg:      `{"tokens":[],"finished":true}`,
			finished: true,
		},
		{
			name: "auth error",
			msg:  `{"error_code":401,"error_message":"Invalid API key"}`,
			err:  ErrAuthRejected,
		},
		{
			name: "other error",
			msg:  `{"error_code":400,"error_message":"bad audio"}`,
			err:  ErrConnectionFailed,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			events, finished, err := p.Decode([]byte(tt.msg))
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if finished != tt.finished {
				t.Errorf("finished = %v", finished)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("events = %+v, want %+v", events, tt.want)
			}
			for i := range tt.want {
				if events[i].Text != tt.want[i].Text || events[i].IsFinal != tt.want[i].IsFinal {
					t.Errorf("event %d = %+v, want %+v", i, events[i], tt.want[i])
				}
			}
		})
	}
}

func TestUnknownProtocol(t *testing.T) {
	if _, err := New(Config{Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFakeStreamScript(t *testing.T) {
	f := NewFake("one two")
	f.FramesPerWord = 1
	s, err := f.Connect(context.Background(), "c", "")
	if err != nil {
		t.Fatal(err)
	}
	s.Send(frame(1))
	s.Send(frame(2))
	s.Send(frame(3))
	go s.CloseGracefully(context.Background())
	events := collect(t, s)
	want := []transcript.Event{{Text: "one"}, {Text: "one two"}, {Text: "one two", IsFinal: true}}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}
