package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrzor/kvp-bridge/internal/chunk"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
)

// ProtocolVersion is written into every envelope.
const ProtocolVersion uint = 1

// Header field names, serialized in this order ahead of all other fields.
const (
	FieldVersion     = "Version"
	FieldRequestID   = "RequestId"
	FieldRequestType = "RequestType"
	FieldTimestamp   = "Timestamp"
)

var headerFields = map[string]struct{}{
	FieldVersion:     {},
	FieldRequestID:   {},
	FieldRequestType: {},
	FieldTimestamp:   {},
}

// Envelope is a versioned, uniquely identified message.
//
// The header is fixed at construction. Type-specific fields may be set until
// the first call to Serialize; from then on the envelope is sealed and the
// serialized text is returned unchanged by every later call.
type Envelope struct {
	RequestID   string
	RequestType string
	Version     uint
	Timestamp   time.Time

	messageID string

	mu         sync.Mutex
	fields     map[string]json.RawMessage
	serialized string
	sealed     bool
}

// Option configures New.
type Option func(*options)

type options struct {
	prefix    string
	clock     func() time.Time
	requestID string
	messageID string
}

// WithPrefix sets the id prefix. Defaults to chunk.DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithClock overrides time.Now for the timestamp.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithRequestID reuses an existing request id instead of generating one.
// Responses carry the id of the request they answer.
func WithRequestID(id string) Option {
	return func(o *options) { o.requestID = id }
}

// WithMessageID sets the channel message id the envelope is written under
// when it differs from the request id, as for progress responses.
func WithMessageID(id string) Option {
	return func(o *options) { o.messageID = id }
}

// New builds an envelope for requestType with a fresh Prefix{GUID} id.
func New(requestType string, opts ...Option) (*Envelope, error) {
	if requestType == "" {
		return nil, fmt.Errorf("%w: empty request type", kvperr.ErrInvalidArgument)
	}

	o := options{
		prefix: chunk.DefaultPrefix,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := o.requestID
	if id == "" {
		id = NewRequestID(o.prefix)
	}

	return &Envelope{
		RequestID:   id,
		RequestType: requestType,
		Version:     ProtocolVersion,
		Timestamp:   o.clock().UTC(),
		messageID:   o.messageID,
		fields:      make(map[string]json.RawMessage),
	}, nil
}

// NewRequestID returns prefix{GUID}.
func NewRequestID(prefix string) string {
	return chunk.IDStart(prefix) + uuid.NewString() + "}"
}

// MessageID is the id the envelope's parts are keyed under.
func (e *Envelope) MessageID() string {
	if e.messageID != "" {
		return e.messageID
	}
	return e.RequestID
}

// Set stores a type-specific field. value is JSON-encoded immediately.
func (e *Envelope) Set(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", kvperr.ErrInvalidArgument)
	}
	if _, reserved := headerFields[name]; reserved {
		return fmt.Errorf("%w: %s is a header field", kvperr.ErrInvalidArgument, name)
	}

	raw, err := marshalCompact(value)
	if err != nil {
		return fmt.Errorf("encoding field %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return fmt.Errorf("%w: envelope %s already serialized", kvperr.ErrInvalidArgument, e.RequestID)
	}
	e.fields[name] = raw
	return nil
}

// Has reports whether the field is present.
func (e *Envelope) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.fields[name]
	return ok
}

// Raw returns the encoded field value.
func (e *Envelope) Raw(name string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, ok := e.fields[name]
	return raw, ok
}

// String returns a string field.
func (e *Envelope) String(name string) (string, bool) {
	var s string
	if !e.decodeField(name, &s) {
		return "", false
	}
	return s, true
}

// Uint returns an unsigned integer field.
func (e *Envelope) Uint(name string) (uint, bool) {
	var n uint
	if !e.decodeField(name, &n) {
		return 0, false
	}
	return n, true
}

// Bool returns a boolean field.
func (e *Envelope) Bool(name string) (bool, bool) {
	var b bool
	if !e.decodeField(name, &b) {
		return false, false
	}
	return b, true
}

// FieldNames returns the type-specific field names in serialization order.
func (e *Envelope) FieldNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedNamesLocked()
}

func (e *Envelope) decodeField(name string, dst any) bool {
	raw, ok := e.Raw(name)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (e *Envelope) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serialize returns the canonical JSON text: Version, RequestId,
// RequestType, Timestamp, then the remaining fields sorted by name.
// The first result is cached and the envelope sealed.
func (e *Envelope) Serialize() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return e.serialized, nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeMember(&buf, FieldVersion, []byte(strconv.FormatUint(uint64(e.Version), 10)), true)
	writeMember(&buf, FieldRequestID, encodeString(e.RequestID), false)
	writeMember(&buf, FieldRequestType, encodeString(e.RequestType), false)
	writeMember(&buf, FieldTimestamp, encodeString(e.Timestamp.UTC().Format(time.RFC3339Nano)), false)
	for _, name := range e.sortedNamesLocked() {
		writeMember(&buf, name, e.fields[name], false)
	}
	buf.WriteByte('}')

	text := buf.String()
	if strings.ContainsAny(text, "\r\n") {
		return "", fmt.Errorf("%w: serialized envelope %s contains a raw line break", kvperr.ErrInvalidArgument, e.RequestID)
	}

	e.serialized = text
	e.sealed = true
	return text, nil
}

func writeMember(buf *bytes.Buffer, name string, value []byte, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	buf.Write(encodeString(name))
	buf.WriteByte(':')
	buf.Write(value)
}

// encodeString JSON-quotes s without HTML escaping. Control characters,
// CR and LF included, come out as escapes.
func encodeString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) //nolint:errcheck // Encoding a string cannot fail
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// marshalCompact encodes v and strips insignificant whitespace, so a field
// never carries a raw line break into the serialized text.
func marshalCompact(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return compact(raw)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return compact(buf.Bytes())
}

func compact(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Decode parses reassembled text. RequestId is required; fields other than
// the header are kept as-is.
func Decode(text string) (*Envelope, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &members); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	e := &Envelope{fields: make(map[string]json.RawMessage)}

	raw, ok := members[FieldRequestID]
	if !ok {
		return nil, fmt.Errorf("%w: envelope has no %s", kvperr.ErrInvalidArgument, FieldRequestID)
	}
	if err := json.Unmarshal(raw, &e.RequestID); err != nil || e.RequestID == "" {
		return nil, fmt.Errorf("%w: bad %s %s", kvperr.ErrInvalidArgument, FieldRequestID, raw)
	}

	if raw, ok := members[FieldRequestType]; ok {
		if err := json.Unmarshal(raw, &e.RequestType); err != nil {
			return nil, fmt.Errorf("%w: bad %s %s", kvperr.ErrInvalidArgument, FieldRequestType, raw)
		}
	}
	if raw, ok := members[FieldVersion]; ok {
		if err := json.Unmarshal(raw, &e.Version); err != nil {
			return nil, fmt.Errorf("%w: bad %s %s", kvperr.ErrInvalidArgument, FieldVersion, raw)
		}
	}
	if raw, ok := members[FieldTimestamp]; ok {
		var ts string
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, fmt.Errorf("%w: bad %s %s", kvperr.ErrInvalidArgument, FieldTimestamp, raw)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s: %v", kvperr.ErrInvalidArgument, FieldTimestamp, err)
		}
		e.Timestamp = parsed.UTC()
	}

	for name, raw := range members {
		if _, header := headerFields[name]; header {
			continue
		}
		value, err := compact(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding field %s: %w", name, err)
		}
		e.fields[name] = value
	}

	return e, nil
}
