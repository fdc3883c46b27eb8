package interp

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved() (*frameReader, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return newFrameReader(zap.New(core)), logs
}

func recv(t *testing.T, f *frameReader) response {
	t.Helper()
	select {
	case resp := <-f.Responses():
		return resp
	case <-time.After(time.Second):
		t.Fatal("no response dispatched")
		return response{}
	}
}

func TestFrameReaderReady(t *testing.T) {
	f, logs := newObserved()
	f.Write([]byte("starting\n\x00PYB_READY\x00"))

	select {
	case <-f.Ready():
	default:
		t.Fatal("ready signal not seen")
	}
	if logs.Len() != 1 || logs.All()[0].ContextMap()["stderr"] != "starting" {
		t.Errorf("expected passthrough of prefix text, got %v", logs.All())
	}
}

func TestFrameReaderResponse(t *testing.T) {
	f, _ := newObserved()
	f.Write([]byte("\x00PYB:{\"id\":3,\"ref\":7}\x00"))

	resp := recv(t, f)
	if resp.ID != 3 || resp.Ref != 7 {
		t.Errorf("got %+v", resp)
	}
}

func TestFrameReaderPartialFrames(t *testing.T) {
	f, logs := newObserved()
	chunks := []string{"warn", "ing\n\x00", "PY", "B:{\"id\":1,", "\"value\":42}", "\x00tail\n"}
	for _, c := range chunks {
		f.Write([]byte(c))
	}

	resp := recv(t, f)
	if resp.ID != 1 || string(resp.Value) != "42" {
		t.Errorf("got %+v", resp)
	}

	var lines []string
	for _, e := range logs.All() {
		lines = append(lines, e.ContextMap()["stderr"].(string))
	}
	if len(lines) != 2 || lines[0] != "warning" || lines[1] != "tail" {
		t.Errorf("passthrough = %q", lines)
	}
}

func TestFrameReaderMultipleFrames(t *testing.T) {
	f, _ := newObserved()
	f.Write([]byte("\x00PYB_READY\x00\x00PYB:{\"id\":1}\x00noise\x00PYB:{\"id\":2}\x00"))

	if got := recv(t, f).ID; got != 1 {
		t.Errorf("first id = %d", got)
	}
	if got := recv(t, f).ID; got != 2 {
		t.Errorf("second id = %d", got)
	}
}

func TestFrameReaderStrayNUL(t *testing.T) {
	f, logs := newObserved()
	f.Write([]byte("binary\x00junk\n"))

	if logs.Len() != 1 {
		t.Fatalf("expected stray NUL text to pass through, got %d entries", logs.Len())
	}
}

func TestFrameReaderMalformedFrame(t *testing.T) {
	f, logs := newObserved()
	f.Write([]byte("\x00PYB:{not json}\x00"))

	select {
	case resp := <-f.Responses():
		t.Fatalf("unexpected response %+v", resp)
	default:
	}
	if logs.FilterMessage("malformed response frame").Len() != 1 {
		t.Error("malformed frame not logged")
	}
}
