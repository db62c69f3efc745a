// ABOUTME: Pure inbox state and the reduce function applying events to it
// ABOUTME: Keeps per-conversation and global unread counters in lockstep

package inbox

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/preview"
)

// state is everything the Store knows. It is only touched through reduce.
type state struct {
	userID        string
	conversations []chat.Conversation // most recently active first
	messages      map[string][]chat.Message
	cursors       map[string]string
	hasMore       map[string]bool
	unread        int
	online        map[string]bool

	// Read receipts for messages not yet in a list, applied when they appear.
	pendingReads map[string]map[string]struct{}

	// Latest message time covered by a local mark-as-read, per conversation.
	readMarks map[string]time.Time

	// LastMessageAt of each conversation when the list was loaded. The
	// loaded unread counts already include messages up to that time.
	countedThrough map[string]time.Time
}

func newState(userID string) *state {
	return &state{
		userID:       userID,
		messages:     make(map[string][]chat.Message),
		cursors:      make(map[string]string),
		hasMore:      make(map[string]bool),
		online:       make(map[string]bool),
		pendingReads: make(map[string]map[string]struct{}),
		readMarks:    make(map[string]time.Time),

		countedThrough: make(map[string]time.Time),
	}
}

// outcome reports what a reduce step did.
type outcome struct {
	changed bool
	ignored bool // own message or duplicate delivery
	clamped bool // a counter would have gone negative
}

// reduce applies ev to s. It performs no I/O.
func reduce(s *state, ev Event) outcome {
	switch ev := ev.(type) {
	case ConversationsLoaded:
		return s.conversationsLoaded(ev)
	case MessagesLoaded:
		return s.messagesLoaded(ev)
	case EarlierMessagesLoaded:
		return s.earlierLoaded(ev)
	case MessageReceived:
		return s.messageReceived(ev)
	case MessageSent:
		return s.messageSent(ev)
	case ReadReceipt:
		return s.readReceipt(ev)
	case ConversationRead:
		return s.conversationRead(ev)
	case PresenceChanged:
		return s.presenceChanged(ev)
	}
	return outcome{}
}

func (s *state) conversationsLoaded(ev ConversationsLoaded) outcome {
	var o outcome
	convs := slices.Clone(ev.Conversations)
	clear(s.countedThrough)
	total := 0
	for i := range convs {
		c := &convs[i]
		s.countedThrough[c.ID] = c.LastMessageAt
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
			o.clamped = true
		}
		if mark, ok := s.readMarks[c.ID]; ok && !c.LastMessageAt.After(mark) {
			c.UnreadCount = 0
		}
		c.OtherUser.IsOnline = s.online[c.OtherUser.ID]
		total += c.UnreadCount
	}
	s.conversations = convs
	s.unread = total
	o.changed = true
	return o
}

func (s *state) messagesLoaded(ev MessagesLoaded) outcome {
	id := ev.ConversationID
	msgs := slices.Clone(ev.Messages)

	// Live arrivals newer than the fetched page survive the replace.
	var newest time.Time
	if n := len(msgs); n > 0 {
		newest = msgs[n-1].CreatedAt
	}
	for _, m := range s.messages[id] {
		if m.CreatedAt.After(newest) && indexOf(msgs, m.ID) < 0 {
			msgs = append(msgs, m)
		}
	}

	clamped := s.applyReadState(id, msgs)
	if len(s.pendingReads[id]) == 0 {
		delete(s.pendingReads, id)
	}

	s.messages[id] = msgs
	s.cursors[id] = ev.Cursor
	s.hasMore[id] = ev.HasMore
	return outcome{changed: true, clamped: clamped}
}

func (s *state) earlierLoaded(ev EarlierMessagesLoaded) outcome {
	id := ev.ConversationID
	current := s.messages[id]

	older := make([]chat.Message, 0, len(ev.Messages))
	for _, m := range ev.Messages {
		if indexOf(current, m.ID) < 0 {
			older = append(older, m)
		}
	}
	clamped := s.applyReadState(id, older)
	if len(s.pendingReads[id]) == 0 {
		delete(s.pendingReads, id)
	}

	s.messages[id] = append(older, current...)
	s.cursors[id] = ev.Cursor
	s.hasMore[id] = ev.HasMore
	return outcome{changed: len(older) > 0, clamped: clamped}
}

// applyReadState flags messages covered by a local read mark or a buffered
// receipt. Pending receipts that matched are consumed. A receipt that flips
// an unread message from the other participant lowers the counters, as it
// would have had the message been loaded first; a read mark already zeroed
// them. It reports whether a counter was clamped.
func (s *state) applyReadState(id string, msgs []chat.Message) bool {
	clamped := false
	mark, hasMark := s.readMarks[id]
	pending := s.pendingReads[id]
	for i := range msgs {
		m := &msgs[i]
		if hasMark && m.SenderID != s.userID && !m.CreatedAt.After(mark) {
			m.IsRead = true
		}
		if _, ok := pending[m.ID]; !ok {
			continue
		}
		delete(pending, m.ID)
		if m.IsRead {
			continue
		}
		m.IsRead = true
		if m.SenderID != s.userID && s.decrement(id) {
			clamped = true
		}
	}
	return clamped
}

func (s *state) messageReceived(ev MessageReceived) outcome {
	msg := ev.Message
	if msg.SenderID == s.userID {
		return outcome{ignored: true}
	}

	id := msg.ConversationID
	if indexOf(s.messages[id], msg.ID) >= 0 {
		return outcome{ignored: true}
	}

	if ev.AutoRead || s.takePendingRead(id, msg.ID) {
		msg.IsRead = true
	}
	s.messages[id] = insertSorted(s.messages[id], msg)

	if i := s.conversationIndex(id); i >= 0 {
		i = s.bump(i, &msg)
		// Messages no newer than the loaded list are already in its counts.
		if !msg.IsRead && msg.CreatedAt.After(s.countedThrough[id]) {
			s.conversations[i].UnreadCount++
			s.unread++
		}
	}
	return outcome{changed: true}
}

func (s *state) messageSent(ev MessageSent) outcome {
	msg := ev.Message
	id := msg.ConversationID
	if indexOf(s.messages[id], msg.ID) >= 0 {
		return outcome{ignored: true}
	}
	if s.takePendingRead(id, msg.ID) {
		msg.IsRead = true
	}
	s.messages[id] = insertSorted(s.messages[id], msg)
	if i := s.conversationIndex(id); i >= 0 {
		s.bump(i, &msg)
	}
	return outcome{changed: true}
}

// takePendingRead consumes a buffered receipt for one message.
func (s *state) takePendingRead(conversationID, messageID string) bool {
	pending := s.pendingReads[conversationID]
	if _, ok := pending[messageID]; !ok {
		return false
	}
	delete(pending, messageID)
	if len(pending) == 0 {
		delete(s.pendingReads, conversationID)
	}
	return true
}

func (s *state) readReceipt(ev ReadReceipt) outcome {
	var o outcome
	id := ev.ConversationID

	want := make(map[string]struct{}, len(ev.MessageIDs))
	for _, mid := range ev.MessageIDs {
		want[mid] = struct{}{}
	}

	list := s.messages[id]
	for i := range list {
		m := &list[i]
		if _, ok := want[m.ID]; !ok {
			continue
		}
		delete(want, m.ID)
		if m.IsRead {
			continue
		}
		m.IsRead = true
		o.changed = true
		if m.SenderID != s.userID {
			if s.decrement(id) {
				o.clamped = true
			}
		}
	}

	if len(want) > 0 {
		pending := s.pendingReads[id]
		if pending == nil {
			pending = make(map[string]struct{}, len(want))
			s.pendingReads[id] = pending
		}
		for mid := range want {
			pending[mid] = struct{}{}
		}
	}
	return o
}

func (s *state) conversationRead(ev ConversationRead) outcome {
	var o outcome
	id := ev.ConversationID

	var latest time.Time
	list := s.messages[id]
	for i := range list {
		m := &list[i]
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
		if m.SenderID != s.userID && !m.IsRead {
			m.IsRead = true
			o.changed = true
		}
	}

	if i := s.conversationIndex(id); i >= 0 {
		c := &s.conversations[i]
		if c.LastMessageAt.After(latest) {
			latest = c.LastMessageAt
		}
		if c.UnreadCount > 0 {
			s.unread -= c.UnreadCount
			c.UnreadCount = 0
			o.changed = true
		}
		if s.unread < 0 {
			s.unread = 0
			o.clamped = true
		}
	}

	if !latest.IsZero() && latest.After(s.readMarks[id]) {
		s.readMarks[id] = latest
	}
	return o
}

func (s *state) presenceChanged(ev PresenceChanged) outcome {
	var o outcome
	s.online = maps.Clone(ev.Online)
	if s.online == nil {
		s.online = make(map[string]bool)
	}
	for i := range s.conversations {
		c := &s.conversations[i]
		online := s.online[c.OtherUser.ID]
		if c.OtherUser.IsOnline != online {
			c.OtherUser.IsOnline = online
			o.changed = true
		}
	}
	return o
}

// decrement lowers one conversation's counter and the global counter by
// one. It reports whether either would have gone negative.
func (s *state) decrement(id string) bool {
	clamped := false
	if i := s.conversationIndex(id); i >= 0 {
		c := &s.conversations[i]
		if c.UnreadCount > 0 {
			c.UnreadCount--
			s.unread--
		} else {
			clamped = true
		}
	}
	if s.unread < 0 {
		s.unread = 0
		clamped = true
	}
	return clamped
}

// bump updates a conversation's preview when msg is its newest message and
// moves it to the front of the list. It returns the conversation's new index.
func (s *state) bump(i int, msg *chat.Message) int {
	c := s.conversations[i]
	if msg.CreatedAt.Before(c.LastMessageAt) {
		return i
	}
	c.LastMessage = preview.ForMessage(msg)
	c.LastMessageAt = msg.CreatedAt
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = c
	return 0
}

func (s *state) conversationIndex(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *state) sum() int {
	total := 0
	for i := range s.conversations {
		total += s.conversations[i].UnreadCount
	}
	return total
}

func indexOf(list []chat.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted places msg by CreatedAt, after any message with the same time.
func insertSorted(list []chat.Message, msg chat.Message) []chat.Message {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	return slices.Insert(list, i, msg)
}
