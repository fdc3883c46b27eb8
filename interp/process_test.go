package interp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/caffeineduck/pybridge/buffer"
	pberrors "github.com/caffeineduck/pybridge/errors"
	"github.com/caffeineduck/pybridge/foreign"
)

// fakeChild answers requests the way bridge.py would, using handle.
func fakeChild(t *testing.T, handle func(request) response) *Process {
	t.Helper()
	frames := newFrameReader(zap.NewNop())
	stdinReader, stdinWriter := io.Pipe()

	var p *Process
	p = newProcess(zap.NewNop(), stdinWriter, frames, func() error {
		<-p.Exited()
		return nil
	})

	go func() {
		frames.Write([]byte(readySignal))
		sc := bufio.NewScanner(stdinReader)
		sc.Buffer(make([]byte, 1024), 1<<20)
		for sc.Scan() {
			var req request
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				t.Errorf("bad request line: %v", err)
				continue
			}
			resp := handle(req)
			resp.ID = req.ID
			data, _ := json.Marshal(resp)
			frames.Write([]byte(framePrefix + string(data) + frameSuffix))
		}
		p.markExited(nil)
	}()

	<-frames.Ready()
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProcessRoundTrip(t *testing.T) {
	var seen []request
	p := fakeChild(t, func(req request) response {
		seen = append(seen, req)
		switch req.Op {
		case "import":
			return response{Ref: 1}
		case "callmethod":
			return response{Ref: 2}
		case "int":
			return response{Value: json.RawMessage("17")}
		case "str":
			return response{Value: json.RawMessage(`"1.5.0"`)}
		}
		return response{}
	})

	mod, err := p.Import("sklearn.svm")
	if err != nil || mod != 1 {
		t.Fatalf("Import = %d, %v", mod, err)
	}
	res, err := p.CallMethod(mod, "fit", 5, 6)
	if err != nil || res != 2 {
		t.Fatalf("CallMethod = %d, %v", res, err)
	}
	n, err := p.Int(res)
	if err != nil || n != 17 {
		t.Fatalf("Int = %d, %v", n, err)
	}
	s, err := p.String(res)
	if err != nil || s != "1.5.0" {
		t.Fatalf("String = %q, %v", s, err)
	}

	if seen[1].Name != "fit" || len(seen[1].Args) != 2 || seen[1].Args[1] != 6 {
		t.Errorf("callmethod request = %+v", seen[1])
	}
	if seen[0].ID == seen[1].ID {
		t.Error("request ids must differ")
	}
}

func TestProcessScalarKinds(t *testing.T) {
	var kinds []string
	p := fakeChild(t, func(req request) response {
		kinds = append(kinds, req.Kind)
		return response{Ref: 9}
	})

	for _, v := range []any{int64(3), 0.5, "rbf", true} {
		if _, err := p.NewScalar(v); err != nil {
			t.Fatalf("NewScalar(%v): %v", v, err)
		}
	}
	if _, err := p.NewScalar(int8(1)); err == nil {
		t.Error("expected error for unsupported scalar")
	}
	want := []string{"int", "float", "str", "bool"}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}

func TestProcessArrayPassThrough(t *testing.T) {
	var got *wireArray
	p := fakeChild(t, func(req request) response {
		switch req.Op {
		case "array":
			got = req.Array
			return response{Ref: 4}
		case "tobuffer":
			return response{Array: &wireArray{
				Dtype: "int64", Shape: []int{2}, Strides: []int{8},
				Data: []byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0},
			}}
		}
		return response{}
	})

	data := make([]byte, 3*5*4)
	view := buffer.View{Data: data, Kind: buffer.Float32, Shape: []int{5, 3}, Strides: []int{4, 20}}
	if _, err := p.NewArray(view); err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	if got.Dtype != "float32" || fmt.Sprint(got.Strides) != "[4 20]" || len(got.Data) != len(data) {
		t.Errorf("sent array = %+v", got)
	}

	arr, err := p.Array(4)
	if err != nil {
		t.Fatalf("Array: %v", err)
	}
	if arr.Kind != buffer.Int64 || arr.Len() != 2 || arr.At(1) != 2 {
		t.Errorf("array = %+v", arr)
	}
}

func TestProcessUnsupportedDtype(t *testing.T) {
	p := fakeChild(t, func(req request) response {
		return response{Array: &wireArray{Dtype: "object", Shape: []int{1}, Strides: []int{8}, Data: make([]byte, 8)}}
	})

	_, err := p.Array(1)
	if !errors.Is(err, pberrors.ErrUnexpectedDtype) {
		t.Fatalf("expected UnexpectedDtype, got %v", err)
	}
}

func TestProcessErrorStateIsSticky(t *testing.T) {
	calls := 0
	p := fakeChild(t, func(req request) response {
		calls++
		if req.Name == "boom" {
			return response{Error: &wireError{Type: "ValueError", Message: "bad input"}}
		}
		return response{Ref: 1}
	})

	_, err := p.CallMethod(1, "boom")
	var exc *foreign.Exception
	if !errors.As(err, &exc) || exc.Type != "ValueError" {
		t.Fatalf("expected ValueError exception, got %v", err)
	}
	if !p.ErrOccurred() {
		t.Fatal("error state should be pending")
	}

	_, err = p.Import("numpy")
	if !errors.As(err, &exc) || exc.Type != "SystemError" {
		t.Fatalf("expected SystemError while pending, got %v", err)
	}
	if calls != 1 {
		t.Errorf("request sent while error pending: %d calls", calls)
	}

	p.ClearError()
	if _, err := p.Import("numpy"); err != nil {
		t.Fatalf("after clear: %v", err)
	}
}

func TestProcessThroughInterpreter(t *testing.T) {
	p := fakeChild(t, func(req request) response {
		if req.Op == "import" {
			return response{Error: &wireError{Type: "ModuleNotFoundError", Message: "No module named 'x' in /opt/site-packages/x"}}
		}
		return response{}
	})
	in := foreign.NewInterpreter(p)

	err := in.Do(func(s *foreign.Scope) error {
		_, err := s.Import("x")
		return err
	})
	if !errors.Is(err, pberrors.ErrForeign) {
		t.Fatalf("expected foreign error, got %v", err)
	}
	if p.ErrOccurred() {
		t.Error("interpreter must clear error state")
	}
	if want := "[PATH_REMOVED]"; !strings.Contains(err.Error(), want) {
		t.Errorf("message not sanitized: %v", err)
	}
}

func TestProcessExited(t *testing.T) {
	frames := newFrameReader(zap.NewNop())
	p := newProcess(zap.NewNop(), nopCloser{io.Discard}, frames, nil)
	p.markExited(errors.New("signal: killed"))

	_, err := p.Import("numpy")
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestProcessClosed(t *testing.T) {
	p := fakeChild(t, func(req request) response { return response{Ref: 1} })
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.Import("numpy"); !errors.Is(err, ErrProcessClosed) {
		t.Fatalf("expected ErrProcessClosed, got %v", err)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
