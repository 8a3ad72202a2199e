package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Phase is the outer envelope of every packet. Init must stay the first
// envelope tag forever: it is what lets peers of different versions detect
// each other before anything else decodes.
type Phase uint32

const (
	PhaseInit Phase = iota
	PhaseChat
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseChat:
		return "chat"
	default:
		return fmt.Sprintf("phase(%d)", uint32(p))
	}
}

// ClientPacket is a packet sent from client to server.
type ClientPacket interface {
	Phase() Phase
	clientPacket()
}

// Client init tags. ClientInfo must stay first.
const (
	tagClientInfo uint32 = iota
)

// Client chat tags.
const (
	tagRequestMembers uint32 = iota
	tagRequestSelfMember
	tagSendMessage
	tagEditMessage
	tagRemoveMessage
	tagClientKeepAlive
)

// ClientInfo opens the handshake.
type ClientInfo struct {
	Fingerprint Fingerprint
}

// RequestMembers asks for the member list.
type RequestMembers struct{}

// RequestSelfMember asks the server for this connection's session id.
type RequestSelfMember struct{}

// SendMessage posts a new chat message.
type SendMessage struct {
	MessageID uuid.UUID
	Body      string
}

// EditMessage replaces the body of one of the sender's messages.
type EditMessage struct {
	MessageID uuid.UUID
	Body      string
}

// RemoveMessage deletes one of the sender's messages.
type RemoveMessage struct {
	MessageID uuid.UUID
}

// KeepAlive is the heartbeat packet. It is valid in both directions.
type KeepAlive struct{}

// UnknownClientPacket is a client packet whose tag this build does not
// know. Its payload is not decoded.
type UnknownClientPacket struct {
	In  Phase
	Tag uint32
}

func (ClientInfo) Phase() Phase { return PhaseInit }
func (RequestMembers) Phase() Phase { return PhaseChat }
func (RequestSelfMember) Phase() Phase { return PhaseChat }
func (SendMessage) Phase() Phase { return PhaseChat }
func (EditMessage) Phase() Phase { return PhaseChat }
func (RemoveMessage) Phase() Phase { return PhaseChat }
func (KeepAlive) Phase() Phase { return PhaseChat }
func (p UnknownClientPacket) Phase() Phase { return p.In }

func (ClientInfo) clientPacket() {}
func (RequestMembers) clientPacket() {}
func (RequestSelfMember) clientPacket() {}
func (SendMessage) clientPacket() {}
func (EditMessage) clientPacket() {}
func (RemoveMessage) clientPacket() {}
func (KeepAlive) clientPacket() {}
func (UnknownClientPacket) clientPacket() {}

// EncodeClient serializes a client packet.
func EncodeClient(p ClientPacket) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrUnencodable)
	}

	e := newEncoder()
	e.tag(uint32(p.Phase()))

	switch p := p.(type) {
	case ClientInfo:
		e.tag(tagClientInfo)
		e.fingerprint(p.Fingerprint)
	case RequestMembers:
		e.tag(tagRequestMembers)
	case RequestSelfMember:
		e.tag(tagRequestSelfMember)
	case SendMessage:
		e.tag(tagSendMessage)
		e.id(p.MessageID)
		e.str(p.Body)
	case EditMessage:
		e.tag(tagEditMessage)
		e.id(p.MessageID)
		e.str(p.Body)
	case RemoveMessage:
		e.tag(tagRemoveMessage)
		e.id(p.MessageID)
	case KeepAlive:
		e.tag(tagClientKeepAlive)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodable, p)
	}

	return e.finish()
}

// DecodeClient parses a client packet. Trailing bytes are ignored.
func DecodeClient(data []byte) (ClientPacket, error) {
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
		return decodeClientInit(d, tag)
	case PhaseChat:
		return decodeClientChat(d, tag)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEnvelope, envelope)
	}
}

func decodeClientInit(d *decoder, tag uint32) (ClientPacket, error) {
	switch tag {
	case tagClientInfo:
		f, err := d.fingerprint()
		if err != nil {
			return nil, err
		}
		return ClientInfo{Fingerprint: f}, nil
	default:
		return UnknownClientPacket{In: PhaseInit, Tag: tag}, nil
	}
}

func decodeClientChat(d *decoder, tag uint32) (ClientPacket, error) {
	switch tag {
	case tagRequestMembers:
		return RequestMembers{}, nil
	case tagRequestSelfMember:
		return RequestSelfMember{}, nil
	case tagSendMessage:
		id, body, err := decodeIDBody(d)
		if err != nil {
			return nil, err
		}
		return SendMessage{MessageID: id, Body: body}, nil
	case tagEditMessage:
		id, body, err := decodeIDBody(d)
		if err != nil {
			return nil, err
		}
		return EditMessage{MessageID: id, Body: body}, nil
	case tagRemoveMessage:
		id, err := d.id()
		if err != nil {
			return nil, err
		}
		return RemoveMessage{MessageID: id}, nil
	case tagClientKeepAlive:
		return KeepAlive{}, nil
	default:
		return UnknownClientPacket{In: PhaseChat, Tag: tag}, nil
	}
}

func decodeIDBody(d *decoder) (uuid.UUID, string, error) {
	id, err := d.id()
	if err != nil {
		return uuid.Nil, "", err
	}
	body, err := d.str()
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, body, nil
}
