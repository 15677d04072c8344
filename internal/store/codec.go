package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/xiy/narrative-memory/pkg/types"
)

// encodeEmbedding serializes a vector as little-endian float32.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]string {
	var meta map[string]string
	if err := json.Unmarshal([]byte(s), &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func encodeRecallEvent(ev types.RecallEvent) (string, string, error) {
	ids := ev.ReturnedIDs
	if ids == nil {
		ids = []string{}
	}
	scores := ev.Scores
	if scores == nil {
		scores = []float64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("marshal returned ids: %w", err)
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return "", "", fmt.Errorf("marshal scores: %w", err)
	}
	return string(idsJSON), string(scoresJSON), nil
}

func decodeRecallEvent(queryID, ids, scores string) types.RecallEvent {
	ev := types.RecallEvent{QueryID: queryID}
	_ = json.Unmarshal([]byte(ids), &ev.ReturnedIDs)
	_ = json.Unmarshal([]byte(scores), &ev.Scores)
	return ev
}
