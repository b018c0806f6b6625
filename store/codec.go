package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/KanavDutta/ratefence/core"
)

// wireState is the serialized form of a bucket shared by every backend.
// Encoding is deterministic so that encoded values can be compared byte for byte.
type wireState struct {
	Level        float64 `json:"level"`
	LastUpdateNs int64   `json:"last_update_ns"`
	Capacity     float64 `json:"capacity"`
	Rate         float64 `json:"rate"`
}

func encodeState(state *core.BucketState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(wireState{
		Level:        state.Level,
		LastUpdateNs: state.LastUpdate.UnixNano(),
		Capacity:     state.Capacity,
		Rate:         state.Rate,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bucket state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*core.BucketState, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return fromWire(w)
}

func fromWire(w wireState) (*core.BucketState, error) {
	if w.LastUpdateNs <= 0 {
		return nil, fmt.Errorf("%w: missing last update", ErrCorruptState)
	}
	state := &core.BucketState{
		Level:      w.Level,
		LastUpdate: time.Unix(0, w.LastUpdateNs),
		Capacity:   w.Capacity,
		Rate:       w.Rate,
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return state, nil
}
