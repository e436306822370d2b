package loop

import (
	"context"
	"sync"

	kit "loopbot/internal/transport"
)

type copyCall struct {
	To  int64
	Src kit.MessageRef
}

// fakeGateway records outgoing calls and serves scripted errors. A nil
// entry in script means success; the script is consumed one send at a
// time, then everything succeeds.
type fakeGateway struct {
	mu      sync.Mutex
	copies  []copyCall
	deletes []kit.MessageRef
	leaves  []int64
	script  []error
	nextID  int
}

func (f *fakeGateway) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeGateway) Stop(ctx context.Context) error                         { return nil }

func (f *fakeGateway) CopyMessage(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, copyCall{To: to.ChatID, Src: src})
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeGateway) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	return nil
}

func (f *fakeGateway) LeaveChat(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, chatID)
	return nil
}

func (f *fakeGateway) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeGateway) copyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.copies)
}

func (f *fakeGateway) copyCalls() []copyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]copyCall, len(f.copies))
	copy(out, f.copies)
	return out
}

func (f *fakeGateway) deleteCalls() []kit.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kit.MessageRef, len(f.deletes))
	copy(out, f.deletes)
	return out
}

func (f *fakeGateway) leaveCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.leaves))
	copy(out, f.leaves)
	return out
}
