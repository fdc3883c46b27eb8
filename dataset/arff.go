// Package dataset loads ARFF files into the feature-major layout the bridge
// consumes.
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/caffeineduck/pybridge/tensor"
)

// Attribute is one @attribute declaration.
type Attribute struct {
	Name string
	Type string
}

// Dataset is a parsed ARFF file. X is feature-major: X[f][s] is feature f of
// sample s. Y holds labels factorized in order of first appearance; Labels
// maps them back to their text.
type Dataset struct {
	Relation   string
	Attributes []Attribute
	ClassName  string
	ClassType  string
	Labels     []string
	X          [][]float32
	Y          []int32
}

// Samples returns the number of samples.
func (d *Dataset) Samples() int {
	return len(d.Y)
}

// Features returns the number of features.
func (d *Dataset) Features() int {
	return len(d.Attributes)
}

// Tensors returns X as a float32 features × samples tensor and Y as an int32
// vector. Both copy the dataset.
func (d *Dataset) Tensors() (*tensor.Tensor, *tensor.Tensor, error) {
	n := d.Samples()
	flat := make([]float32, 0, d.Features()*n)
	for _, col := range d.X {
		flat = append(flat, col...)
	}
	X, err := tensor.FromFloat32(flat, d.Features(), n)
	if err != nil {
		return nil, nil, err
	}
	y, err := tensor.FromInt32(append([]int32(nil), d.Y...))
	if err != nil {
		return nil, nil, err
	}
	return X, y, nil
}

// LoadARFF reads path, taking the class from the last attribute, or the first
// when classLast is false.
func LoadARFF(path string, classLast bool) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ParseARFF(f, classLast)
}

// LoadARFFClass reads path, taking the class from the named attribute.
func LoadARFFClass(path, className string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ParseARFFClass(f, className)
}

// ParseARFF parses ARFF from r. See LoadARFF.
func ParseARFF(r io.Reader, classLast bool) (*Dataset, error) {
	h, err := scan(r)
	if err != nil {
		return nil, err
	}
	idx := 0
	if classLast {
		idx = len(h.attrs) - 1
	}
	return h.build(idx)
}

// ParseARFFClass parses ARFF from r. See LoadARFFClass.
func ParseARFFClass(r io.Reader, className string) (*Dataset, error) {
	h, err := scan(r)
	if err != nil {
		return nil, err
	}
	for i, a := range h.attrs {
		if a.Name == className {
			return h.build(i)
		}
	}
	return nil, fmt.Errorf("class attribute %q not found", className)
}

type raw struct {
	relation string
	attrs    []Attribute
	lines    []string
}

func scan(r io.Reader) (*raw, error) {
	h := &raw{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '%' {
			continue
		}
		if line[0] == '@' {
			fields := strings.Fields(line)
			switch strings.ToLower(fields[0]) {
			case "@attribute":
				if len(fields) < 2 {
					return nil, fmt.Errorf("malformed attribute line %q", line)
				}
				h.attrs = append(h.attrs, Attribute{
					Name: trim(fields[1]),
					Type: trim(strings.Join(fields[2:], " ")),
				})
			case "@relation":
				if len(fields) > 1 {
					h.relation = trim(strings.Join(fields[1:], " "))
				}
			}
			continue
		}
		h.lines = append(h.lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(h.attrs) == 0 {
		return nil, fmt.Errorf("no attributes found")
	}
	return h, nil
}

// build splits out the class attribute at labelIndex and drops every row with
// a missing (?) feature value.
func (h *raw) build(labelIndex int) (*Dataset, error) {
	d := &Dataset{
		Relation:  h.relation,
		ClassName: h.attrs[labelIndex].Name,
		ClassType: h.attrs[labelIndex].Type,
	}
	d.Attributes = append(d.Attributes, h.attrs[:labelIndex]...)
	d.Attributes = append(d.Attributes, h.attrs[labelIndex+1:]...)
	d.X = make([][]float32, len(d.Attributes))

	levels := map[string]int32{}
	row := make([]float32, len(d.Attributes))

lines:
	for n, line := range h.lines {
		values := strings.Split(line, ",")
		if len(values) != len(h.attrs) {
			return nil, fmt.Errorf("line %d: %d values for %d attributes", n+1, len(values), len(h.attrs))
		}

		var label string
		x := 0
		for i, v := range values {
			v = trim(v)
			if i == labelIndex {
				label = v
				continue
			}
			if v == "?" {
				continue lines
			}
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: attribute %s: %q is not numeric", n+1, d.Attributes[x].Name, v)
			}
			row[x] = float32(f)
			x++
		}

		code, ok := levels[label]
		if !ok {
			code = int32(len(d.Labels))
			levels[label] = code
			d.Labels = append(d.Labels, label)
		}
		for f, v := range row {
			d.X[f] = append(d.X[f], v)
		}
		d.Y = append(d.Y, code)
	}
	return d, nil
}

func trim(s string) string {
	return strings.Trim(s, " '\"\t\r\n")
}
