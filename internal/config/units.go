package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ByteSize accepts human readable sizes ("22GiB", "512 MB") or plain byte
// counts in every supported config format.
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(bytes.TrimSpace(text)))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("size must be a number or string: %s", data)
	}
	return b.UnmarshalText([]byte(s))
}

func (b ByteSize) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Bytes returns the size as int64.
func (b ByteSize) Bytes() int64 { return int64(b) }

// Duration accepts Go duration strings ("30s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(bytes.TrimSpace(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// D returns the value as time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }
