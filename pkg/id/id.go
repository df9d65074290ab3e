// Package id generates the lexically sortable identifiers used to tag
// in-flight requests and their replies.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewStringFromTime returns a new identifier whose timestamp component is t.
// Identifiers generated for the same millisecond are monotonically increasing.
func NewStringFromTime(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	value, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}

	return value.String(), nil
}

func NewString() (string, error) {
	return NewStringFromTime(time.Now())
}

// Time returns the timestamp encoded in s.
func Time(s string) (time.Time, error) {
	value, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}

	return ulid.Time(value.Time()), nil
}

func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
