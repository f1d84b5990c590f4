package record

import "encoding/json"

// streamLine covers the union of Cursor/Claude stream-json records we
// care about. Unknown fields are ignored.
type streamLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Result  json.RawMessage `json:"result"`
	Summary string          `json:"summary"`
	Text    string          `json:"text"`
}

// ExtractAssistantText pulls the user-facing text out of one
// stream-json line. Candidates come from assistant message content
// parts, result summary/text/result, and delta text; the longest
// candidate wins.
func ExtractAssistantText(line []byte) (string, bool) {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", false
	}

	var best string
	consider := func(s string) {
		if len(s) > len(best) {
			best = s
		}
	}

	switch ev.Type {
	case "assistant":
		if ev.Message != nil {
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					consider(block.Text)
				}
			}
		}
	case "result":
		consider(ev.Summary)
		consider(ev.Text)
		var s string
		if json.Unmarshal(ev.Result, &s) == nil {
			consider(s)
		}
	case "content_block_delta":
		if ev.Delta != nil {
			consider(ev.Delta.Text)
		}
	}

	if best == "" {
		return "", false
	}
	return best, true
}

// IsResult reports whether the line is a completion marker.
func IsResult(line []byte) bool {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return false
	}
	return ev.Type == "result"
}

// ExtractSessionID returns the CLI-issued session ID if the line
// carries one.
func ExtractSessionID(line []byte) (string, bool) {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return "", false
	}
	if ev.SessionID == "" {
		return "", false
	}
	return ev.SessionID, true
}
