package protocol

import (
	"bytes"
	"io"
	"testing"

	"pgregory.net/rapid"
)

// TestChatMessageStreamRoundTrip checks that any sequence of chat events
// written to a stream comes back in order and intact, whatever the content
// (newlines, quotes, unicode).
func TestChatMessageStreamRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 20).Draw(t, "count")

		var buf bytes.Buffer
		sent := make([]ChatMessage, 0, count)
		for i := 0; i < count; i++ {
			msg := ChatMessage{
				ID:        int64(i + 1),
				Channel:   "general",
				Username:  rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "username"),
				Tag:       rapid.IntRange(1, 9999).Draw(t, "tag"),
				Content:   rapid.String().Draw(t, "content"),
				Timestamp: rapid.Int64Range(0, 1<<42).Draw(t, "timestamp"),
			}
			frame, err := Encode(&msg)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if err := EncodeFrame(&buf, frame); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			sent = append(sent, msg)
		}

		fr := NewFrameReader(&buf, 0)
		for i, want := range sent {
			frame, err := fr.ReadFrame()
			if err != nil {
				t.Fatalf("read %d failed: %v", i, err)
			}
			ev, err := DecodeEvent(frame)
			if err != nil {
				t.Fatalf("decode %d failed: %v", i, err)
			}
			got, ok := ev.(*ChatMessage)
			if !ok {
				t.Fatalf("frame %d decoded as %T", i, ev)
			}
			if *got != want {
				t.Fatalf("frame %d mismatch: got %+v, want %+v", i, *got, want)
			}
		}

		if _, err := fr.ReadFrame(); err != io.EOF {
			t.Fatalf("expected EOF after %d frames, got %v", len(sent), err)
		}
	})
}

// TestDecodeCommandNeverPanics feeds arbitrary bytes through the decoder.
func TestDecodeCommandNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		frame, err := ParseFrame(data)
		if err != nil {
			return
		}
		_, _ = DecodeCommand(frame)
	})
}
