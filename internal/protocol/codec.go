package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMissingDiscriminator is wrapped by a DecodeError when the frame has
	// no discriminator field.
	ErrMissingDiscriminator = errors.New("missing discriminator")
	// ErrUnknownVariant is wrapped by a DecodeError when the discriminator
	// names a variant the codec does not know.
	ErrUnknownVariant = errors.New("unknown variant")
)

// DecodeError reports a frame that could not be turned into a Message.
// It is never fatal to the link the frame arrived on.
type DecodeError struct {
	Payload []byte
	Variant string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("protocol: decode %s: %v", e.Variant, e.Err)
	}
	return fmt.Sprintf("protocol: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type decodeFunc func(data []byte) (Message, error)

// Codec encodes and decodes one closed family of variants keyed by a
// discriminator field. A Codec is immutable after construction and safe for
// concurrent use.
type Codec struct {
	field    string
	variants map[string]decodeFunc
}

func variant[T Message](c *Codec) {
	var zero T
	c.variants[zero.MessageType()] = func(data []byte) (Message, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Sync is the generic command/request/response family, discriminated by
// "type".
var Sync = newSyncCodec()

// Remote is the projector remote-control family, discriminated by
// "commandType".
var Remote = newRemoteCodec()

func newSyncCodec() *Codec {
	c := &Codec{field: "type", variants: make(map[string]decodeFunc)}
	variant[GeneralCommand](c)
	variant[GeneralRequest](c)
	variant[GeneralResponse](c)
	return c
}

func newRemoteCodec() *Codec {
	c := &Codec{field: "commandType", variants: make(map[string]decodeFunc)}
	variant[GetVideoInfoRequest](c)
	variant[GetVideoDurationRequest](c)
	variant[VideoPlayRequest](c)
	variant[VideoPauseRequest](c)
	variant[VideoSeekRequest](c)
	variant[GetImageInfoRequest](c)
	variant[ImagePlayRequest](c)
	variant[ImagePauseRequest](c)
	variant[ConnectToMacRequest](c)
	variant[StartDiscoveryRequest](c)
	variant[BlendingModeRequest](c)
	variant[GetVideoInfoResponse](c)
	variant[GetVideoDurationResponse](c)
	variant[GetImageInfoResponse](c)
	variant[AckResponse](c)
	variant[ErrorResponse](c)
	variant[NotifyVideoPosition](c)
	variant[NotifyVideoPlayState](c)
	variant[NotifyImageIndex](c)
	variant[NotifyImagePlayState](c)
	variant[NotifyPeerConnectionDone](c)
	return c
}

// Field returns the discriminator field name.
func (c *Codec) Field() string { return c.field }

// Variants lists the discriminator values this codec accepts, sorted.
func (c *Codec) Variants() []string {
	out := make([]string, 0, len(c.variants))
	for name := range c.variants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Knows reports whether m belongs to this codec's family.
func (c *Codec) Knows(m Message) bool {
	if m == nil {
		return false
	}
	_, ok := c.variants[m.MessageType()]
	return ok
}

// Encode writes m as a JSON object with the discriminator as its first key.
func (c *Codec) Encode(m Message) ([]byte, error) {
	if !c.Knows(m) {
		return nil, fmt.Errorf("protocol: encode: %T is not a %q variant", m, c.field)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.MessageType(), err)
	}
	tag, _ := json.Marshal(m.MessageType())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(c.field) + len(tag) + 4)
	buf.WriteByte('{')
	buf.WriteByte('"')
	buf.WriteString(c.field)
	buf.WriteString(`":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses one frame. Failures are always returned as *DecodeError
// holding a copy of the frame.
func (c *Codec) Decode(data []byte) (Message, error) {
	fail := func(name string, err error) (Message, error) {
		return nil, &DecodeError{Payload: bytes.Clone(data), Variant: name, Err: err}
	}

	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return fail("", err)
	}
	raw, ok := head[c.field]
	if !ok {
		return fail("", ErrMissingDiscriminator)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return fail("", fmt.Errorf("discriminator %q: %w", c.field, err))
	}
	decode, ok := c.variants[name]
	if !ok {
		return fail(name, ErrUnknownVariant)
	}
	m, err := decode(data)
	if err != nil {
		return fail(name, err)
	}
	return m, nil
}
