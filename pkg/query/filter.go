package query

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpMatches    = "matches"
)

// KeyFilter is a predicate over object keys evaluated by the storage layer
// before a key is returned from a scan.
type KeyFilter struct {
	Op  string
	Arg string

	re *regexp.Regexp
}

// NewKeyFilter validates op and arg and returns the corresponding filter.
func NewKeyFilter(op, arg string) (KeyFilter, error) {
	f := KeyFilter{Op: op, Arg: arg}

	switch op {
	case OpStartsWith, OpEndsWith:
	case OpMatches:
		re, err := regexp.Compile(arg)
		if err != nil {
			return KeyFilter{}, fmt.Errorf("%w: bad key filter pattern %q: %w", ErrInvalidQuery, arg, err)
		}
		f.re = re
	default:
		return KeyFilter{}, fmt.Errorf("%w: unknown key filter %q", ErrInvalidQuery, op)
	}

	return f, nil
}

// ParseKeyFilter parses the "op:arg" form.
func ParseKeyFilter(s string) (KeyFilter, error) {
	op, arg, ok := strings.Cut(s, ":")
	if !ok {
		return KeyFilter{}, fmt.Errorf("%w: key filter %q must have the form op:arg", ErrInvalidQuery, s)
	}
	return NewKeyFilter(op, arg)
}

func (f KeyFilter) Accept(key string) bool {
	switch f.Op {
	case OpStartsWith:
		return strings.HasPrefix(key, f.Arg)
	case OpEndsWith:
		return strings.HasSuffix(key, f.Arg)
	case OpMatches:
		return f.re != nil && f.re.MatchString(key)
	default:
		return false
	}
}

func (f KeyFilter) String() string {
	return f.Op + ":" + f.Arg
}

// Target is a bucket optionally narrowed by key filters. All filters must
// accept a key for it to be part of the result.
type Target struct {
	Bucket  string
	Filters []KeyFilter
}

func (t Target) Accept(key string) bool {
	for _, f := range t.Filters {
		if !f.Accept(key) {
			return false
		}
	}
	return true
}

func (t Target) Validate() error {
	if t.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidQuery)
	}
	return nil
}
