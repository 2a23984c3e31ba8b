package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	ErrPickInProgress = errors.New("image pick already in progress")
	ErrNotAttached    = errors.New("prompt host has no processor attached")
	// ErrNoImagePicked is a blank answer to the prompt.
	ErrNoImagePicked = errors.New("no image picked")
	// ErrInputClosed means the input stream has ended and no further picks
	// can succeed.
	ErrInputClosed = errors.New("prompt input closed")
)

// PickResult is delivered once per pick.
type PickResult struct {
	Input  string
	Output string
	Err    error
}

type pathProcessor interface {
	Process(ctx context.Context, inputPath string) (string, error)
}

type promptLine struct {
	text string
	err  error
}

// PromptHost is a line-oriented Host. Each pick prints a prompt, reads one
// path and hands it back to the attached processor.
//
// Input is read by a single goroutine for the life of the host, so a pick
// abandoned through its context never leaves a read behind that would
// swallow the next answer.
type PromptHost struct {
	in      *bufio.Reader
	out     io.Writer
	prompt  string
	results chan PickResult

	readOnce sync.Once
	lines    chan promptLine

	mu      sync.Mutex
	target  pathProcessor
	picking bool
}

func NewPromptHost(in io.Reader, out io.Writer) *PromptHost {
	return &PromptHost{
		in:      bufio.NewReader(in),
		out:     out,
		prompt:  "image path: ",
		results: make(chan PickResult, 1),
		lines:   make(chan promptLine),
	}
}

// Attach sets where picked paths go. It is normally the Bridge that owns
// this host.
func (h *PromptHost) Attach(target pathProcessor) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
}

func (h *PromptHost) Results() <-chan PickResult {
	return h.results
}

func (h *PromptHost) PickImage(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target == nil {
		return ErrNotAttached
	}
	if h.picking {
		return ErrPickInProgress
	}
	if _, err := fmt.Fprint(h.out, h.prompt); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}

	h.picking = true
	go h.pick(ctx, h.target)
	return nil
}

func (h *PromptHost) pick(ctx context.Context, target pathProcessor) {
	h.readOnce.Do(func() { go h.readLines() })
	result := h.readAndProcess(ctx, target)

	h.mu.Lock()
	h.picking = false
	h.mu.Unlock()
	h.results <- result
}

// readLines feeds h.lines until the input fails, then closes it.
func (h *PromptHost) readLines() {
	defer close(h.lines)
	for {
		text, err := h.in.ReadString('\n')
		h.lines <- promptLine{text: text, err: err}
		if err != nil {
			return
		}
	}
}

func (h *PromptHost) readAndProcess(ctx context.Context, target pathProcessor) PickResult {
	var line promptLine
	select {
	case <-ctx.Done():
		return PickResult{Err: ctx.Err()}
	case l, ok := <-h.lines:
		if !ok {
			return PickResult{Err: ErrInputClosed}
		}
		line = l
	}

	path := strings.TrimSpace(line.text)
	if path == "" {
		switch {
		case line.err == nil:
			return PickResult{Err: ErrNoImagePicked}
		case errors.Is(line.err, io.EOF):
			return PickResult{Err: ErrInputClosed}
		default:
			return PickResult{Err: fmt.Errorf("read prompt: %w", line.err)}
		}
	}

	output, err := target.Process(ctx, path)
	return PickResult{Input: path, Output: output, Err: err}
}
