package pebblekv

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/kvflow/kvflow/internal/ring"
)

// Key layout:
//
//	index entry:   'i' | esc(bucket) | esc(index) | esc(value) | key  ->  primary partition (uint32)
//	object record: 'o' | esc(bucket) | key                             ->  json(objectRecord)
//
// esc escapes 0x00 as 0x00 0xff and terminates with 0x00 0x01, which keeps
// byte order between components and makes every component self-delimiting.
const (
	indexSpace  byte = 'i'
	objectSpace byte = 'o'

	escByte  byte = 0x00
	escEmpty byte = 0xff
	escTerm  byte = 0x01
	escAfter byte = 0x02
)

var errMalformedKey = errors.New("malformed index key")

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == escByte {
			dst = append(dst, escByte, escEmpty)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escByte, escTerm)
}

// skipEscaped returns the remainder of b after its first escaped component.
func skipEscaped(b []byte) ([]byte, error) {
	for i := 0; i < len(b)-1; i++ {
		if b[i] != escByte {
			continue
		}
		switch b[i+1] {
		case escTerm:
			return b[i+2:], nil
		case escEmpty:
			i++
		default:
			return nil, errMalformedKey
		}
	}
	return nil, errMalformedKey
}

func indexPrefix(bucket, index string) []byte {
	key := []byte{indexSpace}
	key = appendEscaped(key, []byte(bucket))
	return appendEscaped(key, []byte(index))
}

func indexKey(bucket, index string, value []byte, key string) []byte {
	k := indexPrefix(bucket, index)
	k = appendEscaped(k, value)
	return append(k, key...)
}

// indexBounds returns the iterator bounds covering every entry whose value
// lies in [start, end].
func indexBounds(bucket, index string, start, end []byte) (lower, upper []byte) {
	prefix := indexPrefix(bucket, index)

	lower = appendEscaped(bytes.Clone(prefix), start)

	upper = appendEscaped(bytes.Clone(prefix), end)
	upper[len(upper)-1] = escAfter
	return lower, upper
}

// objectKeyFromIndexKey extracts the object key from an index entry whose
// bucket and index prefix is prefixLen bytes long.
func objectKeyFromIndexKey(k []byte, prefixLen int) (string, error) {
	if len(k) < prefixLen {
		return "", errMalformedKey
	}

	rest, err := skipEscaped(k[prefixLen:])
	if err != nil {
		return "", err
	}
	return string(rest), nil
}

func objectKey(bucket, key string) []byte {
	k := []byte{objectSpace}
	k = appendEscaped(k, []byte(bucket))
	return append(k, key...)
}

func encodePartition(p ring.Partition) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(p))
}

func decodePartition(b []byte) (ring.Partition, error) {
	if len(b) != 4 {
		return 0, errMalformedKey
	}
	return ring.Partition(binary.BigEndian.Uint32(b)), nil
}
