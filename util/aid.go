package util

import (
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
)

// aid identifiers: a millisecond timestamp in base36 followed by a
// two-character counter. Lexicographic order matches creation order,
// which callers rely on as a pagination and uniqueness tiebreak.

// 2000-01-01T00:00:00Z in unix millis
const aidEpoch = 946684800000

const aidTimeLen = 8

var aidCounter atomic.Uint64

func init() {
	aidCounter.Store(rand.Uint64())
}

func NewAid() string {
	return NewAidAt(time.Now())
}

func NewAidAt(t time.Time) string {
	ms := t.UnixMilli() - aidEpoch
	if ms < 0 {
		ms = 0
	}

	tpart := base36(uint64(ms))
	if len(tpart) < aidTimeLen {
		tpart = strings.Repeat("0", aidTimeLen-len(tpart)) + tpart
	}

	n := aidCounter.Add(1) % (36 * 36)
	cpart := base36(n)
	if len(cpart) < 2 {
		cpart = "0" + cpart
	}

	return tpart + cpart
}

// AidTime recovers the creation timestamp embedded in an aid.
func AidTime(id string) (time.Time, error) {
	if len(id) < aidTimeLen {
		return time.Time{}, fmt.Errorf("invalid aid: %q", id)
	}

	var ms uint64
	for _, c := range id[:aidTimeLen] {
		v := base36val(byte(c))
		if v < 0 {
			return time.Time{}, fmt.Errorf("invalid aid character in %q", id)
		}
		ms = ms*36 + uint64(v)
	}

	return time.UnixMilli(int64(ms) + aidEpoch), nil
}

const base36chars = "0123456789abcdefghijklmnopqrstuvwxyz"

func base36(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base36chars[n%36]
		n /= 36
	}
	return string(buf[i:])
}

func base36val(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		return -1
	}
}
