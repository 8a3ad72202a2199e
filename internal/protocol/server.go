package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ServerPacket is a packet sent from server to client.
type ServerPacket interface {
	Phase() Phase
	serverPacket()
}

// Server init tags. InitSuccess and InitFail must stay first.
const (
	tagInitSuccess uint32 = iota
	tagInitFail
)

// Server chat tags.
const (
	tagServerInfo uint32 = iota
	tagSelfMember
	tagMembers
	tagNewMember
	tagRemoveMember
	tagMemberInfo
	tagNewMessage
	tagMessageEdited
	tagMessageRemoved
	tagServerKeepAlive
	tagInvalidState
)

// InitSuccess accepts the handshake and carries the server fingerprint.
type InitSuccess struct {
	Fingerprint Fingerprint
}

// FailCode enumerates handshake rejections. The first five codes must
// never change.
type FailCode uint32

const (
	FailInvalidState FailCode = iota
	FailInvalidPacket
	FailIncompatible
	FailAlreadyConnected
	FailCustom
	// FailUnknown is never sent; it marks a code this build cannot read.
	FailUnknown FailCode = 0xffffffff
)

// InitFail rejects the handshake. Incompatible is set for FailIncompatible
// and Message for FailCustom.
type InitFail struct {
	Code         FailCode
	Incompatible *IncompatibleError
	Message      string
}

// ErrHandshakeRejected matches every InitFail through errors.Is.
var ErrHandshakeRejected = errors.New("handshake rejected")

func (f InitFail) Error() string {
	switch f.Code {
	case FailInvalidState:
		return "invalid state (desync)"
	case FailInvalidPacket:
		return "invalid packet"
	case FailIncompatible:
		if f.Incompatible != nil {
			return f.Incompatible.Error()
		}
		return "incompatible peer"
	case FailAlreadyConnected:
		return "already connected"
	case FailCustom:
		return "server message: " + f.Message
	default:
		return fmt.Sprintf("rejected (code %d)", f.Code)
	}
}

func (f InitFail) Unwrap() []error {
	if f.Incompatible != nil {
		return []error{ErrHandshakeRejected, f.Incompatible}
	}
	return []error{ErrHandshakeRejected}
}

// ServerInfo announces the server's display name.
type ServerInfo struct {
	Name string
}

// SelfMember tells a client its own session id.
type SelfMember struct {
	MemberID uuid.UUID
}

// Members is the full list of connected session ids.
type Members struct {
	MemberIDs []uuid.UUID
}

// NewMember announces a joined session.
type NewMember struct {
	MemberID uuid.UUID
}

// RemoveMember announces a departed session.
type RemoveMember struct {
	MemberID uuid.UUID
}

// Member describes one session.
type Member struct {
	ID   uuid.UUID
	Name string
}

// MemberInfo carries descriptive data for some members.
type MemberInfo struct {
	Members []Member
}

// NewMessage is a chat message accepted by the server.
type NewMessage struct {
	SenderID  uuid.UUID
	MessageID uuid.UUID
	Body      string
}

// MessageEdited replaces the body of a previously delivered message.
type MessageEdited struct {
	SenderID  uuid.UUID
	MessageID uuid.UUID
	Body      string
}

// MessageRemoved deletes a previously delivered message.
type MessageRemoved struct {
	SenderID  uuid.UUID
	MessageID uuid.UUID
}

// InvalidState tells the client it sent a packet for the wrong phase.
// The server closes the connection right after.
type InvalidState struct{}

// UnknownServerPacket is a server packet whose tag this build does not
// know. Its payload is not decoded.
type UnknownServerPacket struct {
	In  Phase
	Tag uint32
}

func (InitSuccess) Phase() Phase { return PhaseInit }
func (InitFail) Phase() Phase { return PhaseInit }
func (ServerInfo) Phase() Phase { return PhaseChat }
func (SelfMember) Phase() Phase { return PhaseChat }
func (Members) Phase() Phase { return PhaseChat }
func (NewMember) Phase() Phase { return PhaseChat }
func (RemoveMember) Phase() Phase { return PhaseChat }
func (MemberInfo) Phase() Phase { return PhaseChat }
func (NewMessage) Phase() Phase { return PhaseChat }
func (MessageEdited) Phase() Phase { return PhaseChat }
func (MessageRemoved) Phase() Phase { return PhaseChat }
func (InvalidState) Phase() Phase { return PhaseChat }
func (p UnknownServerPacket) Phase() Phase { return p.In }

func (InitSuccess) serverPacket() {}
func (InitFail) serverPacket() {}
func (ServerInfo) serverPacket() {}
func (SelfMember) serverPacket() {}
func (Members) serverPacket() {}
func (NewMember) serverPacket() {}
func (RemoveMember) serverPacket() {}
func (MemberInfo) serverPacket() {}
func (NewMessage) serverPacket() {}
func (MessageEdited) serverPacket() {}
func (MessageRemoved) serverPacket() {}
func (KeepAlive) serverPacket() {}
func (InvalidState) serverPacket() {}
func (UnknownServerPacket) serverPacket() {}

// EncodeServer serializes a server packet.
func EncodeServer(p ServerPacket) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrUnencodable)
	}

	e := newEncoder()
	e.tag(uint32(p.Phase()))

	switch p := p.(type) {
	case InitSuccess:
		e.tag(tagInitSuccess)
		e.fingerprint(p.Fingerprint)
	case InitFail:
		e.tag(tagInitFail)
		encodeFail(e, p)
	case ServerInfo:
		e.tag(tagServerInfo)
		e.str(p.Name)
	case SelfMember:
		e.tag(tagSelfMember)
		e.id(p.MemberID)
	case Members:
		e.tag(tagMembers)
		e.ids(p.MemberIDs)
	case NewMember:
		e.tag(tagNewMember)
		e.id(p.MemberID)
	case RemoveMember:
		e.tag(tagRemoveMember)
		e.id(p.MemberID)
	case MemberInfo:
		e.tag(tagMemberInfo)
		if len(p.Members) > MaxMembers {
			return nil, ErrTooManyMembers
		}
		e.u64(uint64(len(p.Members)))
		for _, m := range p.Members {
			e.id(m.ID)
			e.str(m.Name)
		}
	case NewMessage:
		e.tag(tagNewMessage)
		e.id(p.SenderID)
		e.id(p.MessageID)
		e.str(p.Body)
	case MessageEdited:
		e.tag(tagMessageEdited)
		e.id(p.SenderID)
		e.id(p.MessageID)
		e.str(p.Body)
	case MessageRemoved:
		e.tag(tagMessageRemoved)
		e.id(p.SenderID)
		e.id(p.MessageID)
	case KeepAlive:
		e.tag(tagServerKeepAlive)
	case InvalidState:
		e.tag(tagInvalidState)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodable, p)
	}

	return e.finish()
}

func encodeFail(e *encoder, f InitFail) {
	if f.Code == FailUnknown {
		e.fail(fmt.Errorf("%w: unknown fail code", ErrUnencodable))
		return
	}
	e.tag(uint32(f.Code))

	switch f.Code {
	case FailIncompatible:
		inc := f.Incompatible
		if inc == nil {
			inc = &IncompatibleError{Reason: ReasonInvalidMagic}
		}
		e.tag(uint32(inc.Reason))
		if inc.Reason == ReasonVersionMismatch {
			e.version(inc.Local)
			e.version(inc.Remote)
		}
	case FailCustom:
		e.str(f.Message)
	}
}

// DecodeServer parses a server packet. Trailing bytes are ignored.
func DecodeServer(data []byte) (ServerPacket, error) {
	d, err := newDecoder(data)
	if err != nil {
		return nil, err
	}

	envelope, err := d.tag()
	if err != nil {
		return nil, err
	}
	tag, err := d.tag()
	if err != nil {
		return nil, err
	}

	switch Phase(envelope) {
	case PhaseInit:
		return decodeServerInit(d, tag)
	case PhaseChat:
		return decodeServerChat(d, tag)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEnvelope, envelope)
	}
}

func decodeServerInit(d *decoder, tag uint32) (ServerPacket, error) {
	switch tag {
	case tagInitSuccess:
		f, err := d.fingerprint()
		if err != nil {
			return nil, err
		}
		return InitSuccess{Fingerprint: f}, nil
	case tagInitFail:
		return decodeFail(d)
	default:
		return UnknownServerPacket{In: PhaseInit, Tag: tag}, nil
	}
}

func decodeFail(d *decoder) (ServerPacket, error) {
	code, err := d.tag()
	if err != nil {
		return nil, err
	}

	f := InitFail{Code: FailCode(code)}
	switch f.Code {
	case FailInvalidState, FailInvalidPacket, FailAlreadyConnected:
	case FailIncompatible:
		reason, err := d.tag()
		if err != nil {
			return nil, err
		}
		inc := &IncompatibleError{Reason: IncompatibleReason(reason)}
		if inc.Reason == ReasonVersionMismatch {
			if inc.Local, err = d.version(); err != nil {
				return nil, err
			}
			if inc.Remote, err = d.version(); err != nil {
				return nil, err
			}
		}
		f.Incompatible = inc
	case FailCustom:
		if f.Message, err = d.str(); err != nil {
			return nil, err
		}
	default:
		f.Code = FailUnknown
	}
	return f, nil
}

func decodeServerChat(d *decoder, tag uint32) (ServerPacket, error) {
	switch tag {
	case tagServerInfo:
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		return ServerInfo{Name: name}, nil
	case tagSelfMember:
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		return SelfMember{MemberID: id}, nil
	case tagMembers:
		ids, err := d.ids()
		if err != nil {
			return nil, err
		}
		return Members{MemberIDs: ids}, nil
	case tagNewMember:
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		return NewMember{MemberID: id}, nil
	case tagRemoveMember:
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		return RemoveMember{MemberID: id}, nil
	case tagMemberInfo:
		return decodeMemberInfo(d)
	case tagNewMessage:
		sender, id, body, err := decodeMessage(d)
		if err != nil {
			return nil, err
		}
		return NewMessage{SenderID: sender, MessageID: id, Body: body}, nil
	case tagMessageEdited:
		sender, id, body, err := decodeMessage(d)
		if err != nil {
			return nil, err
		}
		return MessageEdited{SenderID: sender, MessageID: id, Body: body}, nil
	case tagMessageRemoved:
		sender, err := d.id()
		if err != nil {
			return nil, err
		}
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		return MessageRemoved{SenderID: sender, MessageID: id}, nil
	case tagServerKeepAlive:
		return KeepAlive{}, nil
	case tagInvalidState:
		return InvalidState{}, nil
	default:
		return UnknownServerPacket{In: PhaseChat, Tag: tag}, nil
	}
}

func decodeMemberInfo(d *decoder) (ServerPacket, error) {
	// each member is at least an id and an empty name length
	n, err := d.length(16 + 8)
	if err != nil {
		return nil, err
	}
	if n > MaxMembers {
		return nil, ErrTooManyMembers
	}

	members := make([]Member, n)
	for i := range members {
		if members[i].ID, err = d.id(); err != nil {
			return nil, err
		}
		if members[i].Name, err = d.str(); err != nil {
			return nil, err
		}
	}
	return MemberInfo{Members: members}, nil
}

func decodeMessage(d *decoder) (uuid.UUID, uuid.UUID, string, error) {
	sender, err := d.id()
	if err != nil {
		return uuid.Nil, uuid.Nil, "", err
	}
	id, body, err := decodeIDBody(d)
	if err != nil {
		return uuid.Nil, uuid.Nil, "", err
	}
	return sender, id, body, nil
}
