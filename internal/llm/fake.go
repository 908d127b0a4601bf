package llm

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a deterministic in-process provider. By default it echoes the last
// user message; tests script exact responses or failures per call.
type Fake struct {
	mu        sync.Mutex
	scripted  []scriptedReply
	callCount int
}

type scriptedReply struct {
	content string
	err     error
}

// NewFake creates the scripted fake provider.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Name() string { return "fake" }

// Script queues a response returned by the next unscripted Complete call.
func (f *Fake) Script(content string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted = append(f.scripted, scriptedReply{content: content})
	return f
}

// ScriptError queues a failure.
func (f *Fake) ScriptError(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted = append(f.scripted, scriptedReply{err: err})
	return f
}

// Calls reports how many completions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// Complete pops the next scripted reply, or echoes the last user message.
func (f *Fake) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	f.mu.Lock()
	f.callCount++
	var reply *scriptedReply
	if len(f.scripted) > 0 {
		reply = &f.scripted[0]
		f.scripted = f.scripted[1:]
	}
	f.mu.Unlock()

	if reply != nil {
		if reply.err != nil {
			return Response{}, reply.err
		}
		return Response{Content: reply.content, Model: "fake"}, nil
	}

	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return Response{Content: fmt.Sprintf("echo: %s", last), Model: "fake"}, nil
}
