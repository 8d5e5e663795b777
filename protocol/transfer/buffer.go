package transfer

import (
	"encoding/json"
	"fmt"
)

const bufferType = "Buffer"

// Buffer is a binary chunk. It is serialized the way the peers expect binary
// data to look after JSON encoding: {"type":"Buffer","data":[byte, ...]}.
type Buffer []byte

type bufferJSON struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

func (b Buffer) MarshalJSON() ([]byte, error) {
	data := make([]int, len(b))
	for i, v := range b {
		data[i] = int(v)
	}
	return json.Marshal(bufferJSON{Type: bufferType, Data: data})
}

func (b *Buffer) UnmarshalJSON(raw []byte) error {
	var v bufferJSON
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if v.Type != bufferType {
		return fmt.Errorf("expected serialized %s, got type %q", bufferType, v.Type)
	}
	buf := make([]byte, len(v.Data))
	for i, n := range v.Data {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte value out of range at offset %d: %d", i, n)
		}
		buf[i] = byte(n)
	}
	*b = buf
	return nil
}
