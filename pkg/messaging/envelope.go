package messaging

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status tells the caller how a request was handled.
type Status uint8

const (
	StatusOK Status = iota
	StatusHandlerError
	StatusNoHandler
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusHandlerError:
		return "handler-error"
	case StatusNoHandler:
		return "no-handler"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Envelope is the unit exchanged on a connection. Payload is opaque to the
// transport.
type Envelope struct {
	Subject       string
	CorrelationID uint64
	IsReply       bool
	// ExpectReply is false for fire-and-forget sends; the receiver then
	// runs the handler but writes nothing back.
	ExpectReply bool
	Payload     []byte
	Sender      Endpoint
	Status      Status
	Error       string
}

// Field numbers of the envelope in protobuf wire format.
const (
	fieldSubject       protowire.Number = 1
	fieldCorrelationID protowire.Number = 2
	fieldIsReply       protowire.Number = 3
	fieldExpectReply   protowire.Number = 4
	fieldPayload       protowire.Number = 5
	fieldSenderHost    protowire.Number = 6
	fieldSenderPort    protowire.Number = 7
	fieldStatus        protowire.Number = 8
	fieldError         protowire.Number = 9
)

var errWireType = errors.New("unexpected wire type")

// Marshal encodes the envelope in protobuf wire format. Zero-valued fields
// are omitted, as proto3 does.
func (e *Envelope) Marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+len(e.Subject)+len(e.Sender.Host)+32)
	b = appendString(b, fieldSubject, e.Subject)
	b = appendVarint(b, fieldCorrelationID, e.CorrelationID)
	b = appendVarint(b, fieldIsReply, protowire.EncodeBool(e.IsReply))
	b = appendVarint(b, fieldExpectReply, protowire.EncodeBool(e.ExpectReply))
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	b = appendString(b, fieldSenderHost, e.Sender.Host)
	b = appendVarint(b, fieldSenderPort, uint64(e.Sender.Port))
	b = appendVarint(b, fieldStatus, uint64(e.Status))
	b = appendString(b, fieldError, e.Error)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes b into e, replacing its contents. Unknown fields are
// skipped.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSubject, fieldPayload, fieldSenderHost, fieldError:
			if typ != protowire.BytesType {
				return fmt.Errorf("decode envelope field %d: %w", num, errWireType)
			}
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("decode envelope field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldSubject:
				e.Subject = string(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			case fieldSenderHost:
				e.Sender.Host = string(v)
			case fieldError:
				e.Error = string(v)
			}
			n = m
		case fieldCorrelationID, fieldIsReply, fieldExpectReply, fieldSenderPort, fieldStatus:
			if typ != protowire.VarintType {
				return fmt.Errorf("decode envelope field %d: %w", num, errWireType)
			}
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("decode envelope field %d: %w", num, protowire.ParseError(m))
			}
			switch num {
			case fieldCorrelationID:
				e.CorrelationID = v
			case fieldIsReply:
				e.IsReply = protowire.DecodeBool(v)
			case fieldExpectReply:
				e.ExpectReply = protowire.DecodeBool(v)
			case fieldSenderPort:
				if v > 0xffff {
					return fmt.Errorf("decode envelope: sender port %d out of range", v)
				}
				e.Sender.Port = uint16(v)
			case fieldStatus:
				e.Status = Status(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("decode envelope field %d: %w", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}

// envelopeCodec lets grpc move *Envelope values without generated code.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("envelope codec: cannot marshal %T", v)
	}
	return env.Marshal(), nil
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("envelope codec: cannot unmarshal into %T", v)
	}
	return env.Unmarshal(data)
}

func (envelopeCodec) Name() string { return "envelope" }
