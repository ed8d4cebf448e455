// Package service compiles Avro protocol documents into callable message
// descriptors.
//
// The Avro type system itself (schema parsing, binary and JSON value
// encodings) is provided by github.com/linkedin/goavro; this package
// resolves the protocol-level structure on top of it: named type
// declarations, message request/response/error signatures, and the
// protocol fingerprint used during handshakes.
package service

import (
	"bytes"
	"crypto/md5"
	"encoding/json"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// Service is the compiled form of an Avro protocol document.
// It is immutable after Parse returns.
type Service struct {
	name     string
	doc      string
	protocol []byte // compacted document, served during handshakes
	hash     [16]byte

	messageNames []string // declaration order
	messages     map[string]*Message

	typeNames []string
	types     map[string]*goavro.Codec
}

// Parse compiles a protocol document. The document must carry a "protocol"
// name; "types" and "messages" are optional.
func Parse(def []byte) (*Service, error) {
	var doc protocolDoc
	if err := json.Unmarshal(def, &doc); err != nil {
		return nil, errors.Wrap(err, "cannot decode protocol document")
	}
	if doc.Protocol == "" {
		return nil, errors.New("protocol document is missing a name")
	}

	reg, err := collectTypes(doc.Types, doc.Namespace)
	if err != nil {
		return nil, err
	}

	s := &Service{
		name:     fullname(doc.Protocol, doc.Namespace),
		doc:      doc.Doc,
		messages: make(map[string]*Message),
		types:    make(map[string]*goavro.Codec, len(reg.order)),
	}

	for _, tn := range reg.order {
		expanded, err := reg.expand(tn, doc.Namespace, make(map[string]bool))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot resolve type %q", tn)
		}
		codec, err := codecFor(expanded)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot compile type %q", tn)
		}
		s.typeNames = append(s.typeNames, tn)
		s.types[tn] = codec
	}

	names, err := objectKeys(doc.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode protocol messages")
	}
	var rawMessages map[string]json.RawMessage
	if len(doc.Messages) > 0 {
		if err := json.Unmarshal(doc.Messages, &rawMessages); err != nil {
			return nil, errors.Wrap(err, "cannot decode protocol messages")
		}
	}
	for _, mn := range names {
		m, err := parseMessage(mn, rawMessages[mn], reg, doc.Namespace)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot compile message %q", mn)
		}
		s.messageNames = append(s.messageNames, mn)
		s.messages[mn] = m
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, def); err != nil {
		return nil, errors.Wrap(err, "cannot compact protocol document")
	}
	s.protocol = compacted.Bytes()
	s.hash = md5.Sum(s.protocol)

	return s, nil
}

// MustParse is Parse for statically known documents. It panics on error.
func MustParse(def string) *Service {
	s, err := Parse([]byte(def))
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the protocol's fullname (namespace-qualified).
func (s *Service) Name() string { return s.name }

func (s *Service) Doc() string { return s.doc }

// Protocol returns the compacted protocol document. This is the exact byte
// string sent to peers during handshakes, and the input to Hash.
func (s *Service) Protocol() string { return string(s.protocol) }

// Hash is the MD5 fingerprint of Protocol().
func (s *Service) Hash() [16]byte { return s.hash }

// Message returns the named message, or nil if the protocol does not
// declare it.
func (s *Service) Message(name string) *Message { return s.messages[name] }

// Messages returns all messages in declaration order.
func (s *Service) Messages() []*Message {
	ret := make([]*Message, len(s.messageNames))
	for i, n := range s.messageNames {
		ret[i] = s.messages[n]
	}
	return ret
}

// Type returns the codec for a declared named type, or nil. Short names
// are resolved against the protocol namespace.
func (s *Service) Type(name string) *goavro.Codec {
	if c, ok := s.types[name]; ok {
		return c
	}
	return s.types[fullname(name, namespaceOf(s.name))]
}

// TypeNames returns the fullnames of all declared types in declaration order.
func (s *Service) TypeNames() []string {
	ret := make([]string, len(s.typeNames))
	copy(ret, s.typeNames)
	return ret
}

type protocolDoc struct {
	Protocol  string            `json:"protocol"`
	Namespace string            `json:"namespace"`
	Doc       string            `json:"doc"`
	Types     []json.RawMessage `json:"types"`
	Messages  json.RawMessage   `json:"messages"`
}

// objectKeys returns the top-level keys of a JSON object in document order.
// encoding/json maps do not preserve order, but message declaration order
// is part of a protocol's identity, so we walk the tokens ourselves.
func objectKeys(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('{') {
		return nil, errors.Errorf("expected object, got %v", tok)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		keys = append(keys, tok.(string))
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func codecFor(schema interface{}) (*goavro.Codec, error) {
	buf, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return goavro.NewCodec(string(buf))
}
