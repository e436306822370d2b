package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"loopbot/internal/eventbus"
	"loopbot/internal/services/loop"
	"loopbot/internal/storage"
	kit "loopbot/internal/transport"
	logx "loopbot/pkg/logx"
)

type recordingGateway struct {
	mu     sync.Mutex
	sent   []string
	copies int
	nextID int
}

func (g *recordingGateway) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (g *recordingGateway) Stop(ctx context.Context) error                         { return nil }

func (g *recordingGateway) CopyMessage(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.copies++
	g.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: g.nextID}, nil
}

func (g *recordingGateway) DeleteMessage(ctx context.Context, ref kit.MessageRef) error { return nil }
func (g *recordingGateway) LeaveChat(ctx context.Context, chatID int64) error           { return nil }

func (g *recordingGateway) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, text)
	g.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: g.nextID}, nil
}

func (g *recordingGateway) replies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *recordingGateway) lastReply() string {
	r := g.replies()
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1]
}

const testAdminID = int64(1001)

func newTestManager(t *testing.T) (*CommandManager, *recordingGateway, storage.Store, *loop.Registry) {
	t.Helper()
	gw := &recordingGateway{}
	store, err := storage.Open(storage.Config{Driver: "memory", DefaultDelay: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := loop.New(loop.Config{Delay: time.Hour, MinDelay: time.Second}, store, gw, eventbus.New(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		reg.Shutdown(sctx)
		cancel()
	})

	m := NewCommandManager(logx.Nop(), gw, store, reg, []int64{testAdminID})
	return m, gw, store, reg
}

func groupMsg(chatID, fromID int64, text string) *kit.Message {
	return &kit.Message{ChatID: chatID, ChatTitle: "Test Group", FromID: fromID, Text: text, IsGroup: true}
}

func privateMsg(fromID int64, text string) *kit.Message {
	return &kit.Message{ChatID: fromID, FromID: fromID, Text: text}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in    string
		route string
		args  []string
		ok    bool
	}{
		{"/setdelay 30m", "setdelay", []string{"30m"}, true},
		{"/StartLoop@LoopBot", "startloop", nil, true},
		{"  /help  ", "help", nil, true},
		{"hello there", "", nil, false},
		{"/", "", nil, false},
	}
	for _, c := range cases {
		route, args, ok := parseCommand(c.in)
		if ok != c.ok || route != c.route {
			t.Fatalf("parseCommand(%q) = %q, %v; want %q, %v", c.in, route, ok, c.route, c.ok)
		}
		if len(args) != len(c.args) {
			t.Fatalf("parseCommand(%q) args = %v; want %v", c.in, args, c.args)
		}
	}
}

func TestParseDelayArg(t *testing.T) {
	if d, err := parseDelayArg("1800"); err != nil || d != 30*time.Minute {
		t.Fatalf("bare seconds: got %v, %v", d, err)
	}
	if d, err := parseDelayArg("90s"); err != nil || d != 90*time.Second {
		t.Fatalf("duration syntax: got %v, %v", d, err)
	}
	if _, err := parseDelayArg("soon"); err == nil {
		t.Fatal("expected error for junk input")
	}
}

func TestNonAdminIsSilentInGroups(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	m.handle(context.Background(), groupMsg(-100, 555, "/status"))
	if got := gw.replies(); len(got) != 0 {
		t.Fatalf("expected silence for non-admin in group, got %v", got)
	}
	m.handle(context.Background(), privateMsg(555, "/status"))
	if !strings.Contains(gw.lastReply(), "not allowed") {
		t.Fatalf("expected denial in private chat, got %q", gw.lastReply())
	}
}

func TestGroupTrafficUpsertsRoster(t *testing.T) {
	m, _, store, _ := newTestManager(t)
	m.handle(context.Background(), groupMsg(-42, 555, "just chatting"))
	g, err := store.Group(context.Background(), -42)
	if err != nil {
		t.Fatalf("group row missing after group message: %v", err)
	}
	if g.Name != "Test Group" {
		t.Fatalf("group name = %q", g.Name)
	}
}

func TestSetMsgRequiresReply(t *testing.T) {
	m, gw, store, _ := newTestManager(t)
	m.handle(context.Background(), groupMsg(-42, testAdminID, "/setmsg"))
	if !strings.Contains(gw.lastReply(), "Reply to the message") {
		t.Fatalf("expected reply prompt, got %q", gw.lastReply())
	}

	msg := groupMsg(-42, testAdminID, "/setmsg")
	msg.ReplyTo = &kit.MessageRef{ChatID: -42, MessageID: 7}
	m.handle(context.Background(), msg)

	msgs, err := store.Messages(context.Background())
	if err != nil || len(msgs) != 1 {
		t.Fatalf("rotation = %v, %v; want one entry", msgs, err)
	}
	if msgs[0].MessageID != 7 {
		t.Fatalf("stored message id = %d", msgs[0].MessageID)
	}
}

func TestAddMsgAppendsToRotation(t *testing.T) {
	m, _, store, _ := newTestManager(t)
	first := groupMsg(-42, testAdminID, "/setmsg")
	first.ReplyTo = &kit.MessageRef{ChatID: -42, MessageID: 1}
	m.handle(context.Background(), first)

	second := groupMsg(-42, testAdminID, "/addmsg")
	second.ReplyTo = &kit.MessageRef{ChatID: -42, MessageID: 2}
	m.handle(context.Background(), second)

	msgs, err := store.Messages(context.Background())
	if err != nil || len(msgs) != 2 {
		t.Fatalf("rotation = %v, %v; want two entries", msgs, err)
	}
}

func TestSetDelayEnforcesMinimum(t *testing.T) {
	m, gw, store, _ := newTestManager(t)
	m.SetMinDelay(10 * time.Second)

	m.handle(context.Background(), privateMsg(testAdminID, "/setdelay 1s"))
	if !strings.Contains(gw.lastReply(), "at least") {
		t.Fatalf("expected minimum warning, got %q", gw.lastReply())
	}

	m.handle(context.Background(), privateMsg(testAdminID, "/setdelay 30m"))
	st, err := store.Settings(context.Background())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if st.Delay != 30*time.Minute {
		t.Fatalf("delay = %s; want 30m", st.Delay)
	}
	// The reply reports how many running loops picked up the change.
	if !strings.Contains(gw.lastReply(), "rescheduled 0 running loop") {
		t.Fatalf("reply missing reschedule count: %q", gw.lastReply())
	}
}

func TestStartLoopNeedsRotation(t *testing.T) {
	m, gw, _, reg := newTestManager(t)
	m.handle(context.Background(), groupMsg(-42, testAdminID, "/startloop"))
	if !strings.Contains(gw.lastReply(), "/setmsg") {
		t.Fatalf("expected setup hint, got %q", gw.lastReply())
	}
	if reg.IsActive(-42) {
		t.Fatal("loop should not start without a rotation")
	}
}

func TestStartAndStopLoop(t *testing.T) {
	m, gw, _, reg := newTestManager(t)
	seed := groupMsg(-42, testAdminID, "/setmsg")
	seed.ReplyTo = &kit.MessageRef{ChatID: -42, MessageID: 7}
	m.handle(context.Background(), seed)

	m.handle(context.Background(), groupMsg(-42, testAdminID, "/startloop"))
	if !reg.IsActive(-42) {
		t.Fatalf("loop not running after /startloop; last reply %q", gw.lastReply())
	}

	m.handle(context.Background(), groupMsg(-42, testAdminID, "/startloop"))
	if !strings.Contains(gw.lastReply(), "already running") {
		t.Fatalf("expected idempotency notice, got %q", gw.lastReply())
	}

	m.handle(context.Background(), groupMsg(-42, testAdminID, "/stoploop"))
	if reg.IsActive(-42) {
		t.Fatal("loop still running after /stoploop")
	}

	m.handle(context.Background(), groupMsg(-42, testAdminID, "/stoploop"))
	if !strings.Contains(gw.lastReply(), "No loop") {
		t.Fatalf("expected no-op notice, got %q", gw.lastReply())
	}
}

func TestStatusListsGroups(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	m.handle(context.Background(), groupMsg(-42, testAdminID, "hello"))
	m.handle(context.Background(), privateMsg(testAdminID, "/status"))
	out := gw.lastReply()
	if !strings.Contains(out, "Groups known: 1") || !strings.Contains(out, "Test Group") {
		t.Fatalf("status output missing group: %q", out)
	}
}
