package interp

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Protocol constants, shared with bridge.py.
// Responses: \x00PYB:{json}\x00 on the child's stderr.
const (
	framePrefix = "\x00PYB:"
	frameSuffix = "\x00"
	readySignal = "\x00PYB_READY\x00"

	maxPending = 64 * 1024
)

type request struct {
	ID    int64      `json:"id"`
	Op    string     `json:"op"`
	Ref   uint64     `json:"ref,omitempty"`
	Name  string     `json:"name,omitempty"`
	Args  []uint64   `json:"args,omitempty"`
	Kind  string     `json:"kind,omitempty"`
	Value any        `json:"value,omitempty"`
	Index int        `json:"index,omitempty"`
	Array *wireArray `json:"array,omitempty"`
}

type response struct {
	ID    int64           `json:"id"`
	Ref   uint64          `json:"ref,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Array *wireArray      `json:"array,omitempty"`
	Error *wireError      `json:"error,omitempty"`
}

// wireArray carries raw array bytes. Data is base64 in JSON; strides are in
// bytes and passed through untouched.
type wireArray struct {
	Dtype   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Strides []int  `json:"strides"`
	Offset  int    `json:"offset"`
	Data    []byte `json:"data"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// frameReader is the child's stderr. It extracts response frames and the
// ready signal; everything else is logged as interpreter output.
type frameReader struct {
	log *zap.Logger

	mu      sync.Mutex
	buf     bytes.Buffer
	inFrame bool
	scanned int
	ready   bool
	readyCh chan struct{}
	respCh  chan response
}

func newFrameReader(log *zap.Logger) *frameReader {
	return &frameReader{
		log:     log,
		readyCh: make(chan struct{}),
		respCh:  make(chan response, 16),
	}
}

func (f *frameReader) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf.Write(data)
	for f.next() {
	}
	return len(data), nil
}

// next consumes one signal or frame from the buffer. It returns false when
// the buffer holds nothing complete.
func (f *frameReader) next() bool {
	content := f.buf.Bytes()

	// Inside a frame only the bytes not yet searched can hold its end.
	if f.inFrame {
		end := bytes.Index(content[f.scanned:], []byte(frameSuffix))
		if end == -1 {
			f.scanned = len(content)
			return false
		}
		end += f.scanned
		f.dispatch(content[len(framePrefix):end])
		f.buf.Next(end + len(frameSuffix))
		f.inFrame, f.scanned = false, 0
		return true
	}

	readyIdx := bytes.Index(content, []byte(readySignal))
	frameIdx := bytes.Index(content, []byte(framePrefix))

	switch {
	case readyIdx != -1 && (frameIdx == -1 || readyIdx < frameIdx):
		f.passthrough(content[:readyIdx])
		f.buf.Next(readyIdx + len(readySignal))
		if !f.ready {
			f.ready = true
			close(f.readyCh)
		}
		return true

	case frameIdx != -1:
		f.passthrough(content[:frameIdx])
		f.buf.Next(frameIdx)
		f.inFrame, f.scanned = true, len(framePrefix)
		return true
	}

	// Emit whole lines only; the rest may be the start of a frame.
	cut := bytes.LastIndexByte(content, '\n') + 1
	if len(content)-cut > maxPending {
		cut = len(content)
	}
	f.passthrough(content[:cut])
	f.buf.Next(cut)
	return false
}

func (f *frameReader) dispatch(payload []byte) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		f.log.Warn("malformed response frame", zap.Error(err))
		return
	}
	f.respCh <- resp
}

func (f *frameReader) passthrough(b []byte) {
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return
	}
	for _, line := range strings.Split(s, "\n") {
		f.log.Info("interpreter", zap.String("stderr", line))
	}
}

func (f *frameReader) Ready() <-chan struct{} {
	return f.readyCh
}

func (f *frameReader) Responses() <-chan response {
	return f.respCh
}

// lineLogger logs each write as interpreter stdout.
type lineLogger struct {
	log *zap.Logger
}

func (l lineLogger) Write(data []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line != "" {
			l.log.Info("interpreter", zap.String("stdout", line))
		}
	}
	return len(data), nil
}
