// Package snapshot persists per-session filter state so that an interrupted
// session can be resumed and its database leftovers identified. Snapshots are
// MessagePack-encoded and ZStandard-compressed.
package snapshot

import (
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// BufferState mirrors a layer's buffer chain state.
type BufferState struct {
	HasBuffer           bool    `msgpack:"has_buffer"`
	BufferValue         float64 `msgpack:"buffer_value"`
	IsPreBuffered       bool    `msgpack:"is_pre_buffered"`
	BufferColumn        string  `msgpack:"buffer_column"`
	PreviousBufferValue float64 `msgpack:"previous_buffer_value"`
}

// ViewRecord mirrors one managed materialized view.
type ViewRecord struct {
	Name      string    `msgpack:"name"`
	Schema    string    `msgpack:"schema"`
	SessionID string    `msgpack:"session_id"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// Snapshot is the persisted state of one filter session.
type Snapshot struct {
	SessionID    string                 `msgpack:"session_id"`
	SavedAt      time.Time              `msgpack:"saved_at"`
	BufferStates map[string]BufferState `msgpack:"buffer_states"`
	Views        []ViewRecord           `msgpack:"views"`
}

// Codec encodes and decodes snapshots. Create once and reuse; the underlying
// ZStandard coders are goroutine-safe and allocation is front-loaded.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a reusable codec. Caller must Close it when done.
func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Encode serializes and compresses a snapshot.
func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode decompresses and deserializes a snapshot.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty snapshot data")
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// WriteFile encodes a snapshot and writes it to path.
func (c *Codec) WriteFile(path string, s *Snapshot) error {
	data, err := c.Encode(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and decodes a snapshot from path.
func (c *Codec) ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return c.Decode(data)
}

// Close releases codec resources.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
