package meshnet

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Fixed tags for the framework control messages. Application types
// registered via Register start at tagUserBase.
const (
	tagRegisterTCP  byte = 1
	tagRegisterUDP  byte = 2
	tagKeepAlive    byte = 3
	tagPing         byte = 4
	tagDiscoverHost byte = 5
	tagUserBase     byte = 16
)

// TaggedJSONSerialization is the reference Serialization implementation:
// one tag byte identifying the concrete type, followed by that type's
// encoding/json representation. It is grounded on the teacher's
// protocol.Encoder/Decoder type-switch, generalized into a registry so
// arbitrary application types can ride the same wire format as the fixed
// framework messages.
type TaggedJSONSerialization struct {
	factories map[byte]func() any
	tags      map[reflect.Type]byte
	nextTag   byte
}

// NewTaggedJSONSerialization returns a codec that already understands the
// five FrameworkMessage types.
func NewTaggedJSONSerialization() *TaggedJSONSerialization {
	s := &TaggedJSONSerialization{
		factories: make(map[byte]func() any),
		tags:      make(map[reflect.Type]byte),
		nextTag:   tagUserBase,
	}
	s.bind(tagRegisterTCP, RegisterTCP{})
	s.bind(tagRegisterUDP, RegisterUDP{})
	s.bind(tagKeepAlive, KeepAlive{})
	s.bind(tagPing, Ping{})
	s.bind(tagDiscoverHost, DiscoverHost{})
	return s
}

func (s *TaggedJSONSerialization) bind(tag byte, sample any) {
	t := reflect.TypeOf(sample)
	s.tags[t] = tag
	s.factories[tag] = func() any {
		return reflect.New(t).Interface()
	}
}

// Register associates a tag with an application type so it can travel over
// the wire alongside the framework messages. Tags below tagUserBase are
// reserved. Panics on tag collision, mirroring the teacher's fail-fast
// registration style (e.g. protocol.MessageType validation).
func (s *TaggedJSONSerialization) Register(sample any) byte {
	if _, exists := s.factories[s.nextTag]; exists {
		panic(fmt.Sprintf("meshnet: tag %d already registered", s.nextTag))
	}
	tag := s.nextTag
	s.nextTag++
	s.bind(tag, sample)
	return tag
}

func (s *TaggedJSONSerialization) tagFor(v any) (byte, bool) {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	tag, ok := s.tags[t]
	return tag, ok
}

// Serialize implements Serialization.
func (s *TaggedJSONSerialization) Serialize(dst []byte, v any) ([]byte, error) {
	tag, ok := s.tagFor(v)
	if !ok {
		return nil, fmt.Errorf("meshnet: type %T is not registered", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("meshnet: encode %T: %w", v, err)
	}
	dst = append(dst, tag)
	dst = append(dst, data...)
	return dst, nil
}

// Deserialize implements Serialization.
func (s *TaggedJSONSerialization) Deserialize(src []byte) (any, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("meshnet: empty payload")
	}
	tag := src[0]
	factory, ok := s.factories[tag]
	if !ok {
		return nil, fmt.Errorf("meshnet: unknown tag %d", tag)
	}
	target := factory()
	if len(src) > 1 {
		if err := json.Unmarshal(src[1:], target); err != nil {
			return nil, fmt.Errorf("meshnet: decode tag %d: %w", tag, err)
		}
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}
