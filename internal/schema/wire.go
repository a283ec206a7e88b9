package schema

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates wire messages between nodes.
type MessageKind string

const (
	MsgOpen   MessageKind = "open"
	MsgClose  MessageKind = "close"
	MsgUpdate MessageKind = "update"
)

// Message is the JSON envelope exchanged over a peer session. Exactly
// one of the payload fields is populated depending on Kind.
//
//	open:   { "kind":"open",   "peer": PeerInfo }
//	close:  { "kind":"close",  "code": 1000 }
//	update: { "kind":"update", "updates": [...] }
type Message struct {
	Kind    MessageKind   `json:"kind"`
	Peer    *PeerInfo     `json:"peer,omitempty"`
	Code    int           `json:"code,omitempty"`
	Updates []UpdateEntry `json:"updates,omitempty"`
}

// OpenMessage builds an open envelope announcing the local node.
func OpenMessage(self PeerInfo) *Message {
	return &Message{Kind: MsgOpen, Peer: &self}
}

// CloseMessage builds a close envelope with a close code.
func CloseMessage(code int) *Message {
	return &Message{Kind: MsgClose, Code: code}
}

// UpdateMessage builds an update envelope from a batch.
func UpdateMessage(batch UpdateBatch) *Message {
	return &Message{Kind: MsgUpdate, Updates: batch.Updates}
}

// EncodeMessage serializes a message to its wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates a wire message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the envelope against its declared kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case MsgOpen:
		if m.Peer == nil {
			return fmt.Errorf("open message missing peer")
		}
		return validatePeerInfo(*m.Peer)
	case MsgClose:
		return nil
	case MsgUpdate:
		if len(m.Updates) == 0 {
			return fmt.Errorf("update message has no entries")
		}
		for i, e := range m.Updates {
			if err := validateUpdateEntry(e); err != nil {
				return fmt.Errorf("updates[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
}
