package ranking

import (
	"encoding/json"
	"strings"
)

// ScoredTask is one decoded record from the model's newline-delimited
// JSON output.
type ScoredTask struct {
	Task        string `json:"task"`
	ImpactScore int    `json:"impact_score"`
	Reasoning   string `json:"reasoning"`
}

// ChunkBuffer reassembles complete JSON lines out of a stream of
// arbitrarily split text fragments. The remote endpoint may cut a single
// object, or even a single token, across chunk boundaries, so the buffer
// carries the unterminated tail of each chunk forward until a newline
// completes it.
type ChunkBuffer struct {
	rest string
}

// Feed appends one chunk and returns every record completed by it.
// Malformed lines are dropped; they are expected model noise, not errors.
func (b *ChunkBuffer) Feed(chunk string) []ScoredTask {
	b.rest += chunk
	if !strings.Contains(b.rest, "\n") {
		return nil
	}
	lines := strings.Split(b.rest, "\n")
	b.rest = lines[len(lines)-1]

	var out []ScoredTask
	for _, line := range lines[:len(lines)-1] {
		rec, ok := decodeLine(line)
		if ok {
			out = append(out, rec)
		} else if strings.HasPrefix(strings.TrimSpace(line), "{") {
			droppedLinesTotal.Inc()
		}
	}
	return out
}

// Reset discards any unterminated trailing fragment. Called at stream
// end: a partial line is presumed incomplete and is not salvaged.
func (b *ChunkBuffer) Reset() {
	b.rest = ""
}

// decodeLine parses one candidate line into a ScoredTask. Lines that are
// not JSON objects, fail to decode, or violate the record contract
// (empty task, score outside 0..100) are rejected.
func decodeLine(line string) (ScoredTask, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return ScoredTask{}, false
	}
	var rec ScoredTask
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ScoredTask{}, false
	}
	if rec.Task == "" || rec.ImpactScore < 0 || rec.ImpactScore > 100 {
		return ScoredTask{}, false
	}
	return rec, true
}
