package client

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/tuichat/internal/protocol"
)

// SelfRetry is how long a RequestSelfMember may stay unanswered before it
// is sent again.
const SelfRetry = time.Second

// SelfState is the progress of learning this client's session id.
type SelfState int

const (
	SelfUnknown SelfState = iota
	SelfPending
	SelfResolved
)

// SelfIdentity is this client's view of its own session id. Since is the
// time of the last request while Pending and the time of resolution once
// Resolved.
type SelfIdentity struct {
	State SelfState
	Since time.Time
	ID    uuid.UUID
}

func (s SelfIdentity) String() string {
	switch s.State {
	case SelfPending:
		return fmt.Sprintf("pending since %s", s.Since.Format(time.TimeOnly))
	case SelfResolved:
		return s.ID.String()
	default:
		return "unknown"
	}
}

// Message is one received chat message.
type Message struct {
	SenderID   uuid.UUID
	MessageID  uuid.UUID
	Body       string
	ReceivedAt time.Time
}

type messageKey struct {
	sender  uuid.UUID
	message uuid.UUID
}

// Store is the client's local view of the chat, built only from server
// packets. It is safe for concurrent use; the session goroutine writes
// and a UI reads.
type Store struct {
	mu         sync.RWMutex
	messages   map[uuid.UUID]map[uuid.UUID]*Message
	history    []messageKey
	seen       map[messageKey]struct{}
	self       SelfIdentity
	members    map[uuid.UUID]string
	serverName string

	now     func() time.Time
	updates chan struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		messages: make(map[uuid.UUID]map[uuid.UUID]*Message),
		seen:     make(map[messageKey]struct{}),
		members:  make(map[uuid.UUID]string),
		now:      time.Now,
		updates:  make(chan struct{}, 1),
	}
}

// Apply folds one server packet into the store. Packets that carry no
// chat state are ignored.
func (s *Store) Apply(p protocol.ServerPacket) {
	s.mu.Lock()
	changed := s.apply(p)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Store) apply(p protocol.ServerPacket) bool {
	switch p := p.(type) {
	case protocol.NewMessage:
		s.insert(p)
	case protocol.MessageEdited:
		msg, ok := s.lookup(p.SenderID, p.MessageID)
		if !ok {
			return false
		}
		msg.Body = p.Body
	case protocol.MessageRemoved:
		inner, ok := s.messages[p.SenderID]
		if !ok {
			return false
		}
		delete(inner, p.MessageID)
		if len(inner) == 0 {
			delete(s.messages, p.SenderID)
		}
	case protocol.SelfMember:
		s.self = SelfIdentity{State: SelfResolved, Since: s.now(), ID: p.MemberID}
	case protocol.ServerInfo:
		s.serverName = p.Name
	case protocol.Members:
		members := make(map[uuid.UUID]string, len(p.MemberIDs))
		for _, id := range p.MemberIDs {
			members[id] = s.members[id]
		}
		s.members = members
	case protocol.NewMember:
		if _, ok := s.members[p.MemberID]; !ok {
			s.members[p.MemberID] = ""
		}
	case protocol.RemoveMember:
		delete(s.members, p.MemberID)
	case protocol.MemberInfo:
		for _, m := range p.Members {
			s.members[m.ID] = m.Name
		}
	default:
		return false
	}
	return true
}

// insert stores a message under its key. A repeated key keeps its first
// receive time and history position and takes the new body.
func (s *Store) insert(p protocol.NewMessage) {
	if msg, ok := s.lookup(p.SenderID, p.MessageID); ok {
		msg.Body = p.Body
		return
	}

	inner, ok := s.messages[p.SenderID]
	if !ok {
		inner = make(map[uuid.UUID]*Message)
		s.messages[p.SenderID] = inner
	}
	inner[p.MessageID] = &Message{
		SenderID:   p.SenderID,
		MessageID:  p.MessageID,
		Body:       p.Body,
		ReceivedAt: s.now(),
	}

	key := messageKey{sender: p.SenderID, message: p.MessageID}
	if _, ok := s.seen[key]; !ok {
		s.seen[key] = struct{}{}
		s.history = append(s.history, key)
	}
}

func (s *Store) lookup(sender, id uuid.UUID) (*Message, bool) {
	msg, ok := s.messages[sender][id]
	return msg, ok
}

// ResolveSelf advances the self-identity driver. It returns true when the
// caller must send a RequestSelfMember: the identity is Unknown, or a
// request has been Pending for at least SelfRetry.
func (s *Store) ResolveSelf(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.self.State {
	case SelfResolved:
		return false
	case SelfPending:
		if now.Sub(s.self.Since) < SelfRetry {
			return false
		}
	}
	s.self = SelfIdentity{State: SelfPending, Since: now}
	return true
}

// Self returns the current self identity.
func (s *Store) Self() SelfIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// History returns the messages in the order they were first received.
// Removed messages are skipped.
func (s *Store) History() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0, len(s.history))
	for _, key := range s.history {
		if msg, ok := s.lookup(key.sender, key.message); ok {
			out = append(out, *msg)
		}
	}
	return out
}

// Message returns the message stored under sender and id.
func (s *Store) Message(sender, id uuid.UUID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.lookup(sender, id)
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Members returns the known members ordered by id. Name is empty until a
// MemberInfo names the member.
func (s *Store) Members() []protocol.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.Member, 0, len(s.members))
	for id, name := range s.members {
		out = append(out, protocol.Member{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// ServerName returns the name announced by ServerInfo.
func (s *Store) ServerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverName
}

// Updates signals after Apply changed the store. Signals coalesce; a
// reader should re-read whatever it displays.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
