package client

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/nfrund/rufer/internal/domain"
)

const provisionalPrefix = "temp-"

// IsProvisional reports whether id was assigned locally to a message the
// server has not confirmed yet.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// state is the local view of one user's conversations. It is not safe for
// concurrent use; Client guards it with its mutex.
type state struct {
	me domain.User

	order  []string
	byID   map[string]*domain.Message
	loaded map[string]bool

	chats    map[string]*domain.ChatSummary
	presence map[string]domain.UserStatus
}

func newState(userID string) *state {
	return &state{
		me:       domain.User{ID: userID, DisplayName: userID},
		byID:     make(map[string]*domain.Message),
		loaded:   make(map[string]bool),
		chats:    make(map[string]*domain.ChatSummary),
		presence: make(map[string]domain.UserStatus),
	}
}

// mergeTimes folds incoming lifecycle timestamps into cur. A timestamp, once
// known, is kept: it never changes or goes back to nil. Read implies
// delivered.
func mergeTimes(cur *domain.Message, in domain.Message) {
	cur.DeliveredAt = keepFirst(cur.DeliveredAt, in.DeliveredAt)
	cur.ReadAt = keepFirst(cur.ReadAt, in.ReadAt)
	if cur.ReadAt != nil && cur.DeliveredAt == nil {
		at := *cur.ReadAt
		cur.DeliveredAt = &at
	}
}

func keepFirst(cur, in *time.Time) *time.Time {
	if cur != nil || in == nil {
		return cur
	}
	at := *in
	return &at
}

// upsert merges m by id, then by matching it to a provisional entry with
// the same sender, recipient and content. Otherwise m is inserted in
// creation order. It reports whether m was not known before and, when it
// confirmed a provisional entry, that entry's id.
func (s *state) upsert(m domain.Message) (created bool, replaced string) {
	if cur, ok := s.byID[m.ID]; ok {
		mergeTimes(cur, m)
		return false, ""
	}
	if tempID, ok := s.matchProvisional(m); ok {
		s.replace(tempID, m)
		return false, tempID
	}
	s.insertSorted(m)
	return true, ""
}

func (s *state) matchProvisional(m domain.Message) (string, bool) {
	return lo.Find(s.order, func(id string) bool {
		p := s.byID[id]
		return IsProvisional(id) &&
			p.Sender.ID == m.Sender.ID &&
			p.Recipient.ID == m.Recipient.ID &&
			p.Content == m.Content
	})
}

func (s *state) insertSorted(m domain.Message) {
	i := sort.Search(len(s.order), func(i int) bool {
		o := s.byID[s.order[i]]
		if IsProvisional(o.ID) {
			return true
		}
		if o.CreatedAt.Equal(m.CreatedAt) {
			return o.ID > m.ID
		}
		return o.CreatedAt.After(m.CreatedAt)
	})
	s.order = append(s.order, "")
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = m.ID
	msg := m
	s.byID[m.ID] = &msg
}

// addProvisional appends a locally created message at the end.
func (s *state) addProvisional(m domain.Message) {
	s.order = append(s.order, m.ID)
	msg := m
	s.byID[m.ID] = &msg
}

// replace swaps the entry tempID for the confirmed message, keeping its
// position. When the confirmation is already known the provisional entry
// is dropped instead.
func (s *state) replace(tempID string, confirmed domain.Message) {
	if cur, ok := s.byID[confirmed.ID]; ok {
		mergeTimes(cur, confirmed)
		s.remove(tempID)
		return
	}
	i := lo.IndexOf(s.order, tempID)
	if i < 0 {
		s.insertSorted(confirmed)
		return
	}
	delete(s.byID, tempID)
	s.order[i] = confirmed.ID
	msg := confirmed
	s.byID[confirmed.ID] = &msg
}

func (s *state) remove(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	s.order = lo.Without(s.order, id)
}

// setDelivered applies a delivery notice and reports whether it changed
// anything.
func (s *state) setDelivered(id string, at time.Time) bool {
	cur, ok := s.byID[id]
	if !ok {
		return false
	}
	before := cur.DeliveredAt
	mergeTimes(cur, domain.Message{DeliveredAt: &at})
	return before == nil
}

// setRead applies a read notice. It reports whether the message went from
// unread to read.
func (s *state) setRead(id string, at time.Time) bool {
	cur, ok := s.byID[id]
	if !ok {
		return false
	}
	wasUnread := cur.ReadAt == nil
	mergeTimes(cur, domain.Message{ReadAt: &at})
	return wasUnread
}

// conversation returns the messages exchanged with peer in display order.
func (s *state) conversation(peer string) []domain.Message {
	out := make([]domain.Message, 0)
	for _, id := range s.order {
		m := s.byID[id]
		if m.Between(s.me.ID, peer) {
			out = append(out, *m)
		}
	}
	return out
}

// unreadFrom lists confirmed messages from peer to the local user that are
// not read yet.
func (s *state) unreadFrom(peer string) []string {
	return lo.Filter(s.order, func(id string, _ int) bool {
		m := s.byID[id]
		return !IsProvisional(id) && m.Sender.ID == peer && m.Recipient.ID == s.me.ID && m.ReadAt == nil
	})
}

// setChats replaces the chat list with a fresh server view.
func (s *state) setChats(chats []domain.ChatSummary) {
	s.chats = make(map[string]*domain.ChatSummary, len(chats))
	for i := range chats {
		c := chats[i]
		s.chats[c.UserID] = &c
		if c.IsOnline {
			s.presence[c.UserID] = domain.UserStatus{UserID: c.UserID, Status: domain.PresenceOnline}
		} else {
			s.presence[c.UserID] = domain.UserStatus{UserID: c.UserID, Status: domain.PresenceOffline, LastSeen: c.LastSeen}
		}
	}
}

// ensureChat returns the chat with peer, creating an empty one when the
// peer is new.
func (s *state) ensureChat(peer domain.UserRef) *domain.ChatSummary {
	c, ok := s.chats[peer.ID]
	if !ok {
		c = &domain.ChatSummary{UserID: peer.ID, DisplayName: peer.DisplayName}
		if st, ok := s.presence[peer.ID]; ok {
			c.IsOnline = st.Status == domain.PresenceOnline
			c.LastSeen = st.LastSeen
		}
		s.chats[peer.ID] = c
	}
	if peer.DisplayName != "" {
		c.DisplayName = peer.DisplayName
	}
	return c
}

// touchChat records m as the latest message of its chat when it is newer
// than the current one. Incoming unread messages count towards unread.
func (s *state) touchChat(m domain.Message, countUnread bool) {
	c := s.ensureChat(m.Counterpart(s.me.ID))
	if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = &domain.LastMessage{
			ID:        m.ID,
			SenderID:  m.Sender.ID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	if countUnread && m.Recipient.ID == s.me.ID && m.ReadAt == nil {
		c.UnreadCount++
	}
}

// relabelLastMessage points a chat preview at the confirmed id.
func (s *state) relabelLastMessage(tempID string, confirmed domain.Message) {
	c, ok := s.chats[confirmed.Counterpart(s.me.ID).ID]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != tempID {
		return
	}
	c.LastMessage.ID = confirmed.ID
	c.LastMessage.CreatedAt = confirmed.CreatedAt
}

// restoreLastMessage puts back the chat preview that a dropped provisional
// message displaced, unless something newer arrived meanwhile.
func (s *state) restoreLastMessage(peer, tempID string, prev *domain.LastMessage) {
	c, ok := s.chats[peer]
	if !ok || c.LastMessage == nil || c.LastMessage.ID != tempID {
		return
	}
	c.LastMessage = prev
}

// lastMessage returns a copy of the chat preview with peer.
func (s *state) lastMessage(peer string) *domain.LastMessage {
	c, ok := s.chats[peer]
	if !ok || c.LastMessage == nil {
		return nil
	}
	lm := *c.LastMessage
	return &lm
}

func (s *state) decrementUnread(peer string) {
	if c, ok := s.chats[peer]; ok && c.UnreadCount > 0 {
		c.UnreadCount--
	}
}

func (s *state) setPresence(st domain.UserStatus) {
	s.presence[st.UserID] = st
	if c, ok := s.chats[st.UserID]; ok {
		c.IsOnline = st.Status == domain.PresenceOnline
		if c.IsOnline {
			c.LastSeen = nil
		} else {
			c.LastSeen = st.LastSeen
		}
	}
}

// chatList returns the chats, most recent first; chats without messages
// come last.
func (s *state) chatList() []domain.ChatSummary {
	out := make([]domain.ChatSummary, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil && b == nil:
			return out[i].UserID < out[j].UserID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.CreatedAt.Equal(b.CreatedAt):
			return out[i].UserID < out[j].UserID
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
	return out
}

// resetLoaded forgets which conversations were fetched so the next resync
// reloads them.
func (s *state) resetLoaded() {
	s.loaded = make(map[string]bool)
}
