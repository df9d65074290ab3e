// Package query defines the secondary-index predicates that can be scanned
// across partitions, and the key filters that narrow a scan further.
package query

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	IntIndexSuffix    = "_int"
	BinaryIndexSuffix = "_bin"
)

var ErrInvalidQuery = errors.New("invalid index query")

// Query is an index predicate. Implementations are immutable.
type Query interface {
	// IndexName is the name of the index the predicate applies to.
	IndexName() string

	// Bounds returns the inclusive encoded value range matched by the query.
	Bounds() (start, end []byte, err error)

	Validate() error
	String() string
}

// Equality matches entries whose indexed value is exactly Value.
type Equality struct {
	Index string
	Value string
}

var _ Query = Equality{}

func (q Equality) IndexName() string {
	return q.Index
}

func (q Equality) Bounds() ([]byte, []byte, error) {
	v, err := EncodeValue(q.Index, q.Value)
	if err != nil {
		return nil, nil, err
	}
	return v, v, nil
}

func (q Equality) Validate() error {
	if q.Index == "" {
		return fmt.Errorf("%w: index name is required", ErrInvalidQuery)
	}
	_, _, err := q.Bounds()
	return err
}

func (q Equality) String() string {
	return fmt.Sprintf("%s = %q", q.Index, q.Value)
}

// Range matches entries with Start <= value <= End.
type Range struct {
	Index string
	Start string
	End   string
}

var _ Query = Range{}

func (q Range) IndexName() string {
	return q.Index
}

func (q Range) Bounds() ([]byte, []byte, error) {
	start, err := EncodeValue(q.Index, q.Start)
	if err != nil {
		return nil, nil, err
	}

	end, err := EncodeValue(q.Index, q.End)
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func (q Range) Validate() error {
	if q.Index == "" {
		return fmt.Errorf("%w: index name is required", ErrInvalidQuery)
	}

	start, end, err := q.Bounds()
	if err != nil {
		return err
	}

	if bytes.Compare(start, end) > 0 {
		return fmt.Errorf("%w: range start %q is after end %q", ErrInvalidQuery, q.Start, q.End)
	}
	return nil
}

func (q Range) String() string {
	return fmt.Sprintf("%s in [%q, %q]", q.Index, q.Start, q.End)
}

// EncodeValue converts an index value to the byte representation stored in
// the index. Integer indexes are encoded so that byte order equals numeric
// order.
func EncodeValue(index, value string) ([]byte, error) {
	if !strings.HasSuffix(index, IntIndexSuffix) {
		return []byte(value), nil
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer value for index %q", ErrInvalidQuery, value, index)
	}

	return binary.BigEndian.AppendUint64(nil, uint64(n)^(1<<63)), nil
}
