package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	mapStringAnyType = reflect.TypeOf(map[string]any(nil))
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder init: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: mapStringAnyType,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder init: %v", err))
	}
}

// NewMsgID returns a fresh call identifier.
func NewMsgID() string {
	return uuid.NewString()
}

// EnsureID assigns a fresh identifier to msg if it has none and returns it.
func EnsureID(msg Message) string {
	h := msg.Head()
	if h.MsgID == "" {
		h.MsgID = NewMsgID()
	}
	return h.MsgID
}

// Encode serializes msg. Binary-bearing messages are CBOR encoded and
// reported with binary=true; everything else is JSON.
func Encode(msg Message) (data []byte, binary bool, err error) {
	if msg.Head().MsgType == "" {
		return nil, false, fmt.Errorf("message %T has no msgType", msg)
	}
	if IsBinary(msg) {
		data, err = encMode.Marshal(msg)
		return data, true, err
	}
	data, err = json.Marshal(msg)
	return data, false, err
}

// DecodeFrame parses one inbound frame. The typed payload is decoded lazily
// through Inbound.Decode.
func DecodeFrame(data []byte, binary bool) (*Inbound, error) {
	in := &Inbound{}
	var err error
	if binary {
		err = decMode.Unmarshal(data, in)
	} else {
		err = json.Unmarshal(data, in)
	}
	if err != nil {
		return nil, err
	}
	if in.MsgType == "" {
		return nil, fmt.Errorf("frame has no msgType")
	}
	return in, nil
}

// inboundHead is decoded eagerly for routing. It has no methods so the
// decoders do not recurse into Inbound's unmarshalers.
type inboundHead struct {
	Header
	Code      int    `json:"code,omitempty"`
	ErrorText string `json:"error,omitempty"`
}

// Inbound is a received envelope: the routing header plus the raw bytes
// for typed decoding.
type Inbound struct {
	Header
	Code      int    `json:"code,omitempty"`
	ErrorText string `json:"error,omitempty"`

	raw    []byte
	binary bool
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var head inboundHead
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	in.Header, in.Code, in.ErrorText = head.Header, head.Code, head.ErrorText
	in.raw = append([]byte(nil), data...)
	in.binary = false
	return nil
}

func (in *Inbound) UnmarshalCBOR(data []byte) error {
	var head inboundHead
	if err := decMode.Unmarshal(data, &head); err != nil {
		return err
	}
	in.Header, in.Code, in.ErrorText = head.Header, head.Code, head.ErrorText
	in.raw = append([]byte(nil), data...)
	in.binary = true
	return nil
}

// MarshalJSON re-emits the original JSON bytes so nested items round-trip.
func (in *Inbound) MarshalJSON() ([]byte, error) {
	if in.raw != nil && !in.binary {
		return in.raw, nil
	}
	if in.raw != nil {
		var generic map[string]any
		if err := decMode.Unmarshal(in.raw, &generic); err != nil {
			return nil, err
		}
		return json.Marshal(generic)
	}
	return json.Marshal(inboundHead{Header: in.Header, Code: in.Code, ErrorText: in.ErrorText})
}

// Decode decodes the full payload into v.
func (in *Inbound) Decode(v any) error {
	if in.raw == nil {
		return fmt.Errorf("%s: no payload to decode", in.MsgType)
	}
	if in.binary {
		return decMode.Unmarshal(in.raw, v)
	}
	return json.Unmarshal(in.raw, v)
}

// Binary reports whether the frame arrived CBOR encoded.
func (in *Inbound) Binary() bool { return in.binary }

// IsEvent reports whether the envelope is an unsolicited push.
func (in *Inbound) IsEvent() bool { return IsEvent(in.MsgType) }

// IsError reports whether the envelope is an error reply.
func (in *Inbound) IsError() bool { return IsError(in.MsgType) }

// DecodeAs decodes in into a fresh T.
func DecodeAs[T any](in *Inbound) (*T, error) {
	v := new(T)
	if err := in.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Expect decodes in as T after checking its msgType.
func Expect[T any](in *Inbound, msgType string) (*T, error) {
	if in.MsgType != msgType {
		return nil, fmt.Errorf("expected %s, got %s", msgType, in.MsgType)
	}
	return DecodeAs[T](in)
}

// Extract decodes every item of the given msgType, skipping the rest.
// Items that fail to decode are skipped and reported in the returned error.
func Extract[T any](items []*Inbound, msgType string) ([]*T, error) {
	out := make([]*T, 0, len(items))
	var firstErr error
	for _, item := range items {
		if item == nil || item.MsgType != msgType {
			continue
		}
		v, err := DecodeAs[T](item)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode %s item: %w", msgType, err)
			}
			continue
		}
		out = append(out, v)
	}
	return out, firstErr
}

// FromMessage builds an Inbound from a typed message, as if it had been
// received as a JSON frame.
func FromMessage(msg Message) (*Inbound, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(data, false)
}
