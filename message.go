package eftl

import "encoding/json"

// Receipt identifies a delivered message for acknowledgement purposes
// (spec.md §3 "inbound message"). Zero values mean "no ack possible" (e.g.
// a message delivered on a none-ack subscription never needs one).
type Receipt struct {
	Sequence       int64
	SubscriptionID string
}

// Message is the user-facing value the SDK publishes and delivers. The body
// is a set of named fields, the way the eFTL message-value API spec.md §1
// names as an external collaborator works: get/set by field name and type.
// The SDK's own logic (ledger, registry, dispatcher) never inspects field
// values — it only reads Receipt/ReplyTo/RequestID/StoreID/DeliveryCount,
// all of which are populated from wire-level fields, not body content.
type Message struct {
	fields map[string]interface{}

	receipt        Receipt
	replyTo        string
	requestID      int64
	storeID        int64
	deliveryCount  int
}

// NewMessage returns an empty outbound message ready for field population.
func NewMessage() *Message {
	return &Message{fields: make(map[string]interface{})}
}

// SetString sets a string-valued field.
func (m *Message) SetString(name, value string) { m.fields[name] = value }

// SetLong sets an integer-valued field.
func (m *Message) SetLong(name string, value int64) { m.fields[name] = value }

// SetDouble sets a float-valued field.
func (m *Message) SetDouble(name string, value float64) { m.fields[name] = value }

// SetBool sets a boolean-valued field.
func (m *Message) SetBool(name string, value bool) { m.fields[name] = value }

// SetOpaque sets a raw-byte field, carried on the wire Base64-encoded.
func (m *Message) SetOpaque(name string, value []byte) {
	m.fields[name] = opaqueField{encoded: encodeOpaque(value)}
}

// SetMessage sets a nested sub-message field.
func (m *Message) SetMessage(name string, value *Message) { m.fields[name] = value }

// SetStringArray sets a string-array-valued field.
func (m *Message) SetStringArray(name string, value []string) { m.fields[name] = value }

// GetString returns a string-valued field, or ok=false if absent or of a
// different type.
func (m *Message) GetString(name string) (string, bool) {
	v, ok := m.fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetLong returns an integer-valued field.
func (m *Message) GetLong(name string) (int64, bool) {
	v, ok := m.fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// GetDouble returns a float-valued field.
func (m *Message) GetDouble(name string) (float64, bool) {
	v, ok := m.fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetBool returns a boolean-valued field.
func (m *Message) GetBool(name string) (bool, bool) {
	v, ok := m.fields[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetOpaque returns a raw-byte field, decoding it from its wire Base64 form.
func (m *Message) GetOpaque(name string) ([]byte, bool) {
	v, ok := m.fields[name]
	if !ok {
		return nil, false
	}
	// A field set locally with SetOpaque is an opaqueField; one decoded
	// from the wire is a plain Base64 string.
	var encoded string
	switch f := v.(type) {
	case opaqueField:
		encoded = f.encoded
	case string:
		encoded = f
	default:
		return nil, false
	}
	b, err := decodeOpaque(encoded)
	if err != nil {
		return nil, false
	}
	return b, true
}

// GetMessage returns a nested sub-message field.
func (m *Message) GetMessage(name string) (*Message, bool) {
	v, ok := m.fields[name]
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Message)
	return sub, ok
}

// Receipt returns the receipt the message was delivered with, for use with
// Session.Acknowledge / Session.AcknowledgeAll.
func (m *Message) Receipt() Receipt { return m.receipt }

// IsRequest reports whether the message carries a reply-to inbox, i.e. it
// arrived via a REQUEST-bearing MESSAGE frame and a reply can be sent with
// Session.SendReply.
func (m *Message) IsRequest() bool { return m.replyTo != "" }

// StoreID returns the server-assigned store id of a delivered message.
func (m *Message) StoreID() int64 { return m.storeID }

// DeliveryCount returns how many times the server has attempted to deliver
// this message.
func (m *Message) DeliveryCount() int { return m.deliveryCount }

// opaqueField marks a field as Base64-opaque so GetOpaque/marshalBody know
// to decode/encode it rather than treating it as a plain string.
type opaqueField struct {
	encoded string
}

// marshalBody renders the message's fields into the wire "body" object.
func marshalBody(m *Message) (json.RawMessage, error) {
	raw := make(map[string]interface{}, len(m.fields))
	for k, v := range m.fields {
		switch val := v.(type) {
		case opaqueField:
			raw[k] = val.encoded
		case *Message:
			body, err := marshalBody(val)
			if err != nil {
				return nil, err
			}
			raw[k] = json.RawMessage(body)
		default:
			raw[k] = val
		}
	}
	return json.Marshal(raw)
}

// unmarshalBody decodes a wire "body" object into a new Message. Opaque
// fields are left as plain strings (the wire format cannot distinguish a
// Base64 opaque field from a plain string field without an out-of-band
// schema); callers that know a field is opaque use GetOpaque, which decodes
// on demand, matching the C SDK's "typed getters drive interpretation"
// model.
func unmarshalBody(raw json.RawMessage) (*Message, error) {
	if len(raw) == 0 {
		return NewMessage(), nil
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	m := NewMessage()
	for k, v := range flat {
		var generic interface{}
		if err := json.Unmarshal(v, &generic); err != nil {
			return nil, err
		}
		switch val := generic.(type) {
		case map[string]interface{}:
			sub, err := unmarshalBody(v)
			if err != nil {
				return nil, err
			}
			m.fields[k] = sub
		default:
			m.fields[k] = val
		}
	}
	return m, nil
}
