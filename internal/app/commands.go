package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"loopbot/internal/services/loop"
	"loopbot/internal/storage"
	kit "loopbot/internal/transport"
	logx "loopbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Route       string
	Description string
	Usage       string
	Access      Access
	// GroupOnly restricts the command to group chats (it acts on the
	// chat it was issued in).
	GroupOnly bool
	Handle    func(ctx context.Context, req *Request) error
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Args    []string
}

type CommandManager struct {
	log   logx.Logger
	gw    kit.Gateway
	store storage.Store
	reg   *loop.Registry

	mu       sync.Mutex
	admins   []int64
	minDelay time.Duration

	commands map[string]Command
}

func NewCommandManager(log logx.Logger, gw kit.Gateway, store storage.Store, reg *loop.Registry, admins []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		log:      log,
		gw:       gw,
		store:    store,
		reg:      reg,
		admins:   append([]int64(nil), admins...),
		minDelay: 10 * time.Second,
	}
	m.register()
	return m
}

func (m *CommandManager) SetAdmins(admins []int64) {
	m.mu.Lock()
	m.admins = append([]int64(nil), admins...)
	m.mu.Unlock()
}

func (m *CommandManager) SetMinDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.minDelay = d
	m.mu.Unlock()
}

func (m *CommandManager) isAdmin(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admins {
		if a == id {
			return true
		}
	}
	return false
}

func (m *CommandManager) register() {
	cmds := []Command{
		{Route: "start", Description: "show what this bot does", Handle: m.cmdHelp},
		{Route: "help", Description: "list available commands", Handle: m.cmdHelp},
		{Route: "startloop", Description: "start repeating delivery in this group", Access: AccessAdminOnly, GroupOnly: true, Handle: m.cmdStartLoop},
		{Route: "stoploop", Description: "stop delivery in this group", Access: AccessAdminOnly, GroupOnly: true, Handle: m.cmdStopLoop},
		{Route: "setmsg", Description: "reply to a message to make it the delivery source", Usage: "/setmsg (as a reply)", Access: AccessAdminOnly, Handle: m.cmdSetMsg},
		{Route: "addmsg", Description: "reply to a message to append it to the rotation", Usage: "/addmsg (as a reply)", Access: AccessAdminOnly, Handle: m.cmdAddMsg},
		{Route: "listmsgs", Description: "show the message rotation", Access: AccessAdminOnly, Handle: m.cmdListMsgs},
		{Route: "setdelay", Description: "set the delivery interval", Usage: "/setdelay 30m | /setdelay 1800", Access: AccessAdminOnly, Handle: m.cmdSetDelay},
		{Route: "startall", Description: "start delivery in every known group", Access: AccessAdminOnly, Handle: m.cmdStartAll},
		{Route: "stopall", Description: "stop delivery everywhere", Access: AccessAdminOnly, Handle: m.cmdStopAll},
		{Route: "status", Description: "show engine status", Access: AccessAdminOnly, Handle: m.cmdStatus},
	}
	m.commands = make(map[string]Command, len(cmds))
	for _, c := range cmds {
		m.commands[c.Route] = c
	}
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			m.handle(ctx, up.Message)
		}
	}
}

func (m *CommandManager) handle(ctx context.Context, msg *kit.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command handler",
				logx.Int64("chat_id", msg.ChatID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	// Any group traffic keeps the group roster fresh.
	if msg.IsGroup {
		uctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := m.store.UpsertGroup(uctx, msg.ChatID, msg.ChatTitle); err != nil {
			m.log.Warn("group upsert failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		}
		cancel()
	}

	route, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, ok := m.commands[route]
	if !ok {
		return
	}
	if cmd.Access == AccessAdminOnly && !m.isAdmin(msg.FromID) {
		// Stay silent in groups; a reply would just be noise.
		if !msg.IsGroup {
			m.reply(ctx, msg.ChatID, "You are not allowed to use this command.")
		}
		return
	}
	if cmd.GroupOnly && !msg.IsGroup {
		m.reply(ctx, msg.ChatID, "This command only works inside a group.")
		return
	}

	req := &Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Args:    args,
	}
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cmd.Handle(hctx, req); err != nil {
		m.log.Warn("command failed",
			logx.String("command", route),
			logx.Int64("chat_id", msg.ChatID),
			logx.Err(err))
		m.reply(ctx, msg.ChatID, "Something went wrong: "+err.Error())
	}
}

// parseCommand splits "/cmd@BotName arg1 arg2" into its route and args.
func parseCommand(text string) (route string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	route = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(route, '@'); at >= 0 {
		route = route[:at]
	}
	if route == "" {
		return "", nil, false
	}
	return strings.ToLower(route), fields[1:], true
}

func (m *CommandManager) reply(ctx context.Context, chatID int64, text string) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := m.gw.SendText(rctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		m.log.Debug("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (m *CommandManager) cmdHelp(ctx context.Context, req *Request) error {
	admin := m.isAdmin(req.FromID)
	routes := make([]string, 0, len(m.commands))
	for r := range m.commands {
		routes = append(routes, r)
	}
	sort.Strings(routes)

	var b strings.Builder
	b.WriteString("I copy a stored message into groups on a repeating schedule.\n\n")
	for _, r := range routes {
		c := m.commands[r]
		if c.Access == AccessAdminOnly && !admin {
			continue
		}
		b.WriteString("/")
		b.WriteString(c.Route)
		b.WriteString(" - ")
		b.WriteString(c.Description)
		b.WriteString("\n")
	}
	m.reply(ctx, req.Chat.ChatID, b.String())
	return nil
}

func (m *CommandManager) cmdStartLoop(ctx context.Context, req *Request) error {
	msgs, err := m.store.Messages(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		m.reply(ctx, req.Chat.ChatID, "No source message configured yet. Use /setmsg first.")
		return nil
	}
	if m.reg.IsActive(req.Chat.ChatID) {
		m.reply(ctx, req.Chat.ChatID, "The loop is already running here.")
		return nil
	}
	if err := m.reg.Schedule(ctx, req.Chat.ChatID, loop.ScheduleOptions{}); err != nil {
		if errors.Is(err, loop.ErrUnknownGroup) {
			return fmt.Errorf("this group is not registered yet")
		}
		return err
	}
	m.reply(ctx, req.Chat.ChatID, "Loop started.")
	return nil
}

func (m *CommandManager) cmdStopLoop(ctx context.Context, req *Request) error {
	if !m.reg.Cancel(ctx, req.Chat.ChatID) {
		m.reply(ctx, req.Chat.ChatID, "No loop is running here.")
		return nil
	}
	m.reply(ctx, req.Chat.ChatID, "Loop stopped.")
	return nil
}

func (m *CommandManager) cmdSetMsg(ctx context.Context, req *Request) error {
	ref := req.Message.ReplyTo
	if ref == nil || ref.IsZero() {
		m.reply(ctx, req.Chat.ChatID, "Reply to the message you want delivered, then send /setmsg again.")
		return nil
	}
	err := m.store.SetMessage(ctx, storage.StoredMessage{ChatID: ref.ChatID, MessageID: ref.MessageID})
	if err != nil {
		return err
	}
	n := m.reg.BroadcastUpdate()
	m.reply(ctx, req.Chat.ChatID, fmt.Sprintf("Source message saved. The rotation now has 1 message; rescheduled %d running loop(s).", n))
	return nil
}

func (m *CommandManager) cmdAddMsg(ctx context.Context, req *Request) error {
	ref := req.Message.ReplyTo
	if ref == nil || ref.IsZero() {
		m.reply(ctx, req.Chat.ChatID, "Reply to the message you want to append, then send /addmsg again.")
		return nil
	}
	err := m.store.AddMessage(ctx, storage.StoredMessage{ChatID: ref.ChatID, MessageID: ref.MessageID})
	if err != nil {
		return err
	}
	msgs, err := m.store.Messages(ctx)
	if err != nil {
		return err
	}
	n := m.reg.BroadcastUpdate()
	m.reply(ctx, req.Chat.ChatID, fmt.Sprintf("Added. The rotation now has %d message(s); rescheduled %d running loop(s).", len(msgs), n))
	return nil
}

func (m *CommandManager) cmdListMsgs(ctx context.Context, req *Request) error {
	msgs, err := m.store.Messages(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		m.reply(ctx, req.Chat.ChatID, "The rotation is empty. Use /setmsg to configure one.")
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rotation (%d message(s)):\n", len(msgs))
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%d. chat %d, message %d\n", msg.Idx+1, msg.ChatID, msg.MessageID)
	}
	m.reply(ctx, req.Chat.ChatID, b.String())
	return nil
}

func (m *CommandManager) cmdSetDelay(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		m.reply(ctx, req.Chat.ChatID, "Usage: /setdelay 30m  (or a number of seconds: /setdelay 1800)")
		return nil
	}
	d, err := parseDelayArg(req.Args[0])
	if err != nil {
		m.reply(ctx, req.Chat.ChatID, "I can't read that as a duration. Try 90s, 30m, 2h, or plain seconds.")
		return nil
	}
	m.mu.Lock()
	min := m.minDelay
	m.mu.Unlock()
	if d < min {
		m.reply(ctx, req.Chat.ChatID, fmt.Sprintf("Delay must be at least %s.", min))
		return nil
	}
	if err := m.store.SetDelay(ctx, d); err != nil {
		return err
	}
	n := m.reg.BroadcastUpdate()
	m.reply(ctx, req.Chat.ChatID, fmt.Sprintf("Delay set to %s; rescheduled %d running loop(s).", d, n))
	return nil
}

// parseDelayArg accepts Go duration syntax and bare seconds.
func parseDelayArg(s string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (m *CommandManager) cmdStartAll(ctx context.Context, req *Request) error {
	msgs, err := m.store.Messages(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		m.reply(ctx, req.Chat.ChatID, "No source message configured yet. Use /setmsg first.")
		return nil
	}
	n, err := m.reg.StartAll(ctx)
	if err != nil {
		return err
	}
	m.reply(ctx, req.Chat.ChatID, fmt.Sprintf("Started %d loop(s); %d running in total.", n, m.reg.ActiveCount()))
	return nil
}

func (m *CommandManager) cmdStopAll(ctx context.Context, req *Request) error {
	n, err := m.reg.StopAll(ctx)
	if err != nil {
		return err
	}
	m.reply(ctx, req.Chat.ChatID, fmt.Sprintf("Stopped %d loop(s).", n))
	return nil
}

func (m *CommandManager) cmdStatus(ctx context.Context, req *Request) error {
	st, err := m.store.Settings(ctx)
	if err != nil {
		return err
	}
	msgs, err := m.store.Messages(ctx)
	if err != nil {
		return err
	}
	groups, err := m.store.ListGroups(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Delay: %s\nRotation: %d message(s)\nGroups known: %d\nLoops running: %d\n",
		st.Delay, len(msgs), len(groups), m.reg.ActiveCount())

	const maxLines = 25
	for i, g := range groups {
		if i == maxLines {
			fmt.Fprintf(&b, "... and %d more\n", len(groups)-maxLines)
			break
		}
		state := "stopped"
		if m.reg.IsActive(g.ChatID) {
			state = "running"
		}
		name := g.Name
		if name == "" {
			name = strconv.FormatInt(g.ChatID, 10)
		}
		fmt.Fprintf(&b, "- %s (%d): %s", name, g.ChatID, state)
		if !g.NextDue.IsZero() && state == "running" {
			fmt.Fprintf(&b, ", next in %s", time.Until(g.NextDue).Round(time.Second))
		}
		if g.RetryCount > 0 {
			fmt.Fprintf(&b, ", retries %d", g.RetryCount)
		}
		b.WriteString("\n")
	}
	m.reply(ctx, req.Chat.ChatID, b.String())
	return nil
}
