package interp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/buffer"
	"github.com/caffeineduck/pybridge/foreign"
)

var (
	ErrProcessClosed = errors.New("interpreter closed")
	ErrProcessExited = errors.New("interpreter exited")
)

// Process is a running bridge.py interpreter. It implements foreign.Runtime
// over the framed stdio protocol. Calls have no deadline; they return early
// only when the interpreter exits.
type Process struct {
	log    *zap.Logger
	stdin  io.WriteCloser
	frames *frameReader
	stop   func() error

	exited  chan struct{}
	exitErr error

	mu      sync.Mutex
	nextID  int64
	pending *foreign.Exception
	closed  bool
}

func newProcess(log *zap.Logger, stdin io.WriteCloser, frames *frameReader, stop func() error) *Process {
	return &Process{
		log:    log,
		stdin:  stdin,
		frames: frames,
		stop:   stop,
		exited: make(chan struct{}),
	}
}

// markExited records that the child is gone. Safe to call once.
func (p *Process) markExited(err error) {
	p.exitErr = err
	close(p.exited)
}

// Exited is closed when the interpreter process ends.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) roundTrip(req request) (response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return response{}, ErrProcessClosed
	}
	if p.pending != nil {
		return response{}, &foreign.Exception{
			Type:    "SystemError",
			Message: "operation attempted with an unhandled exception pending",
		}
	}

	p.nextID++
	req.ID = p.nextID

	line, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("encode %s: %w", req.Op, err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return response{}, fmt.Errorf("write %s: %w", req.Op, err)
	}

	for {
		select {
		case resp := <-p.frames.Responses():
			if resp.ID != req.ID {
				p.log.Warn("discarding stale response", zap.Int64("id", resp.ID), zap.Int64("want", req.ID))
				continue
			}
			if resp.Error != nil {
				p.pending = &foreign.Exception{Type: resp.Error.Type, Message: resp.Error.Message}
				return response{}, p.pending
			}
			return resp, nil
		case <-p.exited:
			if p.exitErr != nil {
				return response{}, fmt.Errorf("%w: %v", ErrProcessExited, p.exitErr)
			}
			return response{}, ErrProcessExited
		}
	}
}

func (p *Process) ref(req request) (foreign.Ref, error) {
	resp, err := p.roundTrip(req)
	if err != nil {
		return 0, err
	}
	return foreign.Ref(resp.Ref), nil
}

func (p *Process) value(req request, dst any) error {
	resp, err := p.roundTrip(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Value, dst); err != nil {
		return fmt.Errorf("decode %s result: %w", req.Op, err)
	}
	return nil
}

func refs(rs []foreign.Ref) []uint64 {
	out := make([]uint64, len(rs))
	for i, r := range rs {
		out[i] = uint64(r)
	}
	return out
}

func (p *Process) Import(module string) (foreign.Ref, error) {
	return p.ref(request{Op: "import", Name: module})
}

func (p *Process) GetAttr(obj foreign.Ref, name string) (foreign.Ref, error) {
	return p.ref(request{Op: "getattr", Ref: uint64(obj), Name: name})
}

func (p *Process) SetAttr(obj foreign.Ref, name string, value foreign.Ref) error {
	_, err := p.roundTrip(request{Op: "setattr", Ref: uint64(obj), Name: name, Args: []uint64{uint64(value)}})
	return err
}

func (p *Process) Call(callable foreign.Ref, args ...foreign.Ref) (foreign.Ref, error) {
	return p.ref(request{Op: "call", Ref: uint64(callable), Args: refs(args)})
}

func (p *Process) CallMethod(obj foreign.Ref, name string, args ...foreign.Ref) (foreign.Ref, error) {
	return p.ref(request{Op: "callmethod", Ref: uint64(obj), Name: name, Args: refs(args)})
}

func (p *Process) IncRef(r foreign.Ref) error {
	_, err := p.roundTrip(request{Op: "incref", Ref: uint64(r)})
	return err
}

func (p *Process) DecRef(r foreign.Ref) error {
	_, err := p.roundTrip(request{Op: "decref", Ref: uint64(r)})
	return err
}

func (p *Process) NewScalar(v any) (foreign.Ref, error) {
	var kind string
	switch v.(type) {
	case int64:
		kind = "int"
	case float64:
		kind = "float"
	case string:
		kind = "str"
	case bool:
		kind = "bool"
	default:
		return 0, fmt.Errorf("unsupported scalar %T", v)
	}
	return p.ref(request{Op: "scalar", Kind: kind, Value: v})
}

// NewArray sends the view's backing bytes as they are; the interpreter
// rebuilds the array over them with the same shape and strides.
func (p *Process) NewArray(v buffer.View) (foreign.Ref, error) {
	return p.ref(request{Op: "array", Array: &wireArray{
		Dtype:   v.Kind.String(),
		Shape:   v.Shape,
		Strides: v.Strides,
		Offset:  v.Offset,
		Data:    v.Data,
	}})
}

func (p *Process) Int(r foreign.Ref) (int64, error) {
	var n int64
	err := p.value(request{Op: "int", Ref: uint64(r)}, &n)
	return n, err
}

func (p *Process) Float(r foreign.Ref) (float64, error) {
	var f float64
	err := p.value(request{Op: "float", Ref: uint64(r)}, &f)
	return f, err
}

func (p *Process) String(r foreign.Ref) (string, error) {
	var s string
	err := p.value(request{Op: "str", Ref: uint64(r)}, &s)
	return s, err
}

func (p *Process) Array(r foreign.Ref) (buffer.Array, error) {
	resp, err := p.roundTrip(request{Op: "tobuffer", Ref: uint64(r)})
	if err != nil {
		return buffer.Array{}, err
	}
	if resp.Array == nil {
		return buffer.Array{}, fmt.Errorf("tobuffer: missing array")
	}
	kind, err := buffer.ParseKind(resp.Array.Dtype)
	if err != nil {
		return buffer.Array{}, err
	}
	return buffer.Array{
		Data:    resp.Array.Data,
		Offset:  resp.Array.Offset,
		Kind:    kind,
		Shape:   resp.Array.Shape,
		Strides: resp.Array.Strides,
	}, nil
}

func (p *Process) Len(r foreign.Ref) (int, error) {
	var n int
	err := p.value(request{Op: "len", Ref: uint64(r)}, &n)
	return n, err
}

func (p *Process) Item(r foreign.Ref, i int) (foreign.Ref, error) {
	return p.ref(request{Op: "item", Ref: uint64(r), Index: i})
}

func (p *Process) ErrOccurred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

func (p *Process) ClearError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

// Close shuts the interpreter down. Closing stdin makes bridge.py exit; stop
// reaps it.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	err := p.stdin.Close()
	if p.stop != nil {
		err = multierr.Append(err, p.stop())
	}
	return err
}
