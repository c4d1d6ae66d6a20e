package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

var errTrackerClosed = errors.New("llmclient: stream tracker is closed")

// Tracker turns upstream stream frames, which repeat the whole text
// generated so far, into OpenAI chunks carrying only the new suffix.
//
// A Tracker belongs to a single stream and is not safe for concurrent use.
// Only the first alternative of each frame is tracked.
type Tracker struct {
	id          string
	fingerprint string
	model       string
	created     int64

	// cursor is the number of runes of cumulative text already emitted.
	cursor        int
	roleSent      bool
	toolCallsSent bool
	closed        bool
}

// NewTracker fixes the chunk id and timestamp for the whole stream.
func NewTracker(model, subject string, now time.Time) *Tracker {
	created := now.Unix()
	return &Tracker{
		id:          completionID(subject, created),
		fingerprint: fingerprint(subject),
		model:       model,
		created:     created,
	}
}

// Feed translates one upstream fragment. A fragment that is not a complete
// JSON frame yields (nil, nil): it is dropped and the tracker stays open.
// Error frames and unmapped statuses are returned as errors.
func (t *Tracker) Feed(fragment []byte) (*ChatCompletionChunk, error) {
	if t.closed {
		return nil, errTrackerClosed
	}

	fragment = bytes.TrimSpace(fragment)
	if len(fragment) == 0 {
		return nil, nil
	}

	var frame providerChatResponse
	if err := json.Unmarshal(fragment, &frame); err != nil {
		return nil, nil
	}

	if frame.Error != nil {
		status := frame.Error.HTTPCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return nil, &UpstreamError{StatusCode: status, Body: append([]byte(nil), fragment...)}
	}
	if frame.Result == nil || len(frame.Result.Alternatives) == 0 {
		return nil, nil
	}

	alt := frame.Result.Alternatives[0]
	finish, err := TranslateFinishReason(alt.Status)
	if err != nil {
		return nil, err
	}

	text := []rune(alt.Message.Text)
	var delta string
	if len(text) > t.cursor {
		delta = string(text[t.cursor:])
	}
	t.cursor = len(text)

	choice := ChunkChoice{
		Index:        0,
		Delta:        ChunkDelta{Content: delta},
		FinishReason: finish,
	}
	if !t.roleSent {
		choice.Delta.Role = alt.Message.Role
		if choice.Delta.Role == "" {
			choice.Delta.Role = RoleAssistant
		}
		t.roleSent = true
	}
	if calls := toolCallsOf(alt.Message); len(calls) > 0 && !t.toolCallsSent {
		choice.Delta.ToolCalls = translateToolCalls(t.created, 0, calls)
		for i := range choice.Delta.ToolCalls {
			idx := i
			choice.Delta.ToolCalls[i].Index = &idx
		}
		t.toolCallsSent = true
	}

	return &ChatCompletionChunk{
		ID:                t.id,
		Object:            objectChatChunk,
		Created:           t.created,
		Model:             versionedModel(t.model, frame.Result.ModelVersion),
		SystemFingerprint: t.fingerprint,
		Choices:           []ChunkChoice{choice},
	}, nil
}

// Close ends the stream; later fragments are rejected.
func (t *Tracker) Close() {
	t.closed = true
}

// Emitted returns how many runes of text have been emitted so far.
func (t *Tracker) Emitted() int {
	return t.cursor
}
