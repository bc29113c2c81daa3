package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Frame constants - used by the guest bootstrap program to communicate
// with the host. Format: \x00BIRD_TAG:{json}\x00, bare signals without
// payload. Everything else on stderr passes through.
const (
	frameReadySignal    = "\x00BIRD_READY\x00"
	frameResultPrefix   = "\x00BIRD_RESULT:"
	frameErrorPrefix    = "\x00BIRD_ERROR:"
	frameProgressPrefix = "\x00BIRD_PROGRESS:"
	frameSuffix         = "\x00"
)

type frameType int

const (
	frameNone frameType = iota
	frameResult
	frameError
	frameProgress
)

// findNextFrame locates the earliest frame prefix in content. It returns
// the prefix index and the frame type, or (-1, frameNone).
func findNextFrame(content string) (int, frameType) {
	idx := -1
	typ := frameNone

	for _, cand := range []struct {
		prefix string
		typ    frameType
	}{
		{frameResultPrefix, frameResult},
		{frameErrorPrefix, frameError},
		{frameProgressPrefix, frameProgress},
	} {
		if i := strings.Index(content, cand.prefix); i != -1 && (idx == -1 || i < idx) {
			idx = i
			typ = cand.typ
		}
	}

	return idx, typ
}

// extractFrame pulls the payload of the frame starting at idx out of
// content. ok is false when the terminator has not arrived yet.
func extractFrame(content string, idx int, prefix string) (payload, remaining string, ok bool) {
	after := content[idx+len(prefix):]
	end := strings.Index(after, frameSuffix)
	if end == -1 {
		return "", content[idx:], false
	}
	return after[:end], after[end+len(frameSuffix):], true
}

type frameOutcome struct {
	result json.RawMessage
	errRaw json.RawMessage
}

// guestError is the payload of an error frame.
type guestError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// frameReader intercepts the guest's stderr. Frames are routed to the
// ready channel, the per-command outcome channel, or the progress
// callback; everything else accumulates as real stderr output.
type frameReader struct {
	onProgress func(step, message string)

	buf        bytes.Buffer
	realStderr bytes.Buffer

	readyCh chan struct{}
	ready   bool
	outCh   chan frameOutcome

	mu sync.Mutex
}

func newFrameReader(onProgress func(step, message string)) *frameReader {
	return &frameReader{
		onProgress: onProgress,
		readyCh:    make(chan struct{}),
		outCh:      make(chan frameOutcome, 1),
	}
}

func (r *frameReader) Write(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Write(data)

	for {
		content := r.buf.String()

		if r.checkReady(content) {
			continue
		}
		if r.processFrame(content) {
			continue
		}

		// No complete frame. Flush plain text through, but keep anything
		// from the first NUL on: it may be a frame still arriving.
		if i := strings.IndexByte(content, 0); i == -1 {
			r.realStderr.WriteString(content)
			r.buf.Reset()
		} else if i > 0 {
			r.realStderr.WriteString(content[:i])
			r.buf.Reset()
			r.buf.WriteString(content[i:])
		}
		break
	}

	return len(data), nil
}

func (r *frameReader) checkReady(content string) bool {
	idx := strings.Index(content, frameReadySignal)
	if idx == -1 {
		return false
	}
	// A complete frame before the ready signal is handled first.
	if fidx, typ := findNextFrame(content); typ != frameNone && fidx < idx {
		return false
	}

	if idx > 0 {
		r.realStderr.WriteString(content[:idx])
	}
	r.buf.Reset()
	r.buf.WriteString(content[idx+len(frameReadySignal):])

	if !r.ready {
		r.ready = true
		close(r.readyCh)
	}
	return true
}

func (r *frameReader) processFrame(content string) bool {
	idx, typ := findNextFrame(content)
	if typ == frameNone {
		return false
	}

	if idx > 0 {
		r.realStderr.WriteString(content[:idx])
		r.buf.Reset()
		r.buf.WriteString(content[idx:])
		content = r.buf.String()
		idx = 0
	}

	var prefix string
	switch typ {
	case frameResult:
		prefix = frameResultPrefix
	case frameError:
		prefix = frameErrorPrefix
	case frameProgress:
		prefix = frameProgressPrefix
	}

	payload, remaining, ok := extractFrame(content, idx, prefix)
	if !ok {
		return false
	}
	r.buf.Reset()
	r.buf.WriteString(remaining)

	switch typ {
	case frameResult:
		r.deliver(frameOutcome{result: json.RawMessage(payload)})
	case frameError:
		r.deliver(frameOutcome{errRaw: json.RawMessage(payload)})
	case frameProgress:
		var p struct {
			Step    string `json:"step"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(payload), &p); err == nil && r.onProgress != nil {
			r.onProgress(p.Step, p.Message)
		}
	}
	return true
}

func (r *frameReader) deliver(out frameOutcome) {
	select {
	case r.outCh <- out:
	default:
	}
}

// Ready is closed once the guest signals it finished its own setup.
func (r *frameReader) Ready() <-chan struct{} {
	return r.readyCh
}

// Outcome yields the next command's result or error frame.
func (r *frameReader) Outcome() <-chan frameOutcome {
	return r.outCh
}

// ResetCommand clears state left over from the previous command.
func (r *frameReader) ResetCommand() {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.outCh:
	default:
	}
	r.realStderr.Reset()
}

// Stderr returns the plain stderr output seen so far.
func (r *frameReader) Stderr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.realStderr.String()
}
