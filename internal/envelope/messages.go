package envelope

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"gopkg.in/yaml.v3"
)

// Request types understood by the guest agent.
const (
	TypeGetVersion     = "GetVersion"
	TypeConfigure      = "Configure"
	TypeAck            = "Ack"
	TypeIsUserLoggedIn = "IsUserLoggedIn"

	// TypeUnknown answers requests whose own type is missing.
	TypeUnknown = "Unknown"
)

// Type-specific field names.
const (
	FieldResponseType     = "ResponseType"
	FieldStatus           = "Status"
	FieldErrorDescription = "ErrorDescription"
	FieldAckedID          = "AckedId"
	FieldConfigure        = "Configure"
	FieldIsUserLoggedIn   = "IsUserLoggedIn"
	FieldProgress         = "Progress"
	FieldProtocolVersion  = "ProtocolVersion"
)

// Response types.
const (
	ResponseCompleted       = "Completed"
	ResponseProgress        = "Progress"
	ResponseError           = "Error"
	ResponseTooManyRequests = "TooManyRequests"
)

// Status codes carried by responses. Zero is success.
const (
	StatusOK              uint = 0
	StatusFailed          uint = 1
	StatusUnknownRequest  uint = 2
	StatusInvalidRequest  uint = 3
	StatusTooManyRequests uint = 4
)

const progressMarker = "_Progress_"

// ProgressMessageID returns the message id of the n-th progress response for
// requestID.
func ProgressMessageID(requestID string, n int) string {
	return requestID + progressMarker + strconv.Itoa(n)
}

// ParseProgressMessageID splits a progress message id into the request id
// and sequence number.
func ParseProgressMessageID(messageID string) (string, int, bool) {
	i := strings.LastIndex(messageID, progressMarker)
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(messageID[i+len(progressMarker):])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return messageID[:i], n, true
}

// NewAck builds a request asking the peer to delete the response it wrote
// under ackedID.
func NewAck(ackedID string, opts ...Option) (*Envelope, error) {
	if ackedID == "" {
		return nil, fmt.Errorf("%w: empty acknowledged id", kvperr.ErrInvalidArgument)
	}
	e, err := New(TypeAck, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Set(FieldAckedID, ackedID); err != nil {
		return nil, err
	}
	return e, nil
}

// NewConfigure builds a Configure request carrying a YAML document. The
// document must parse; it travels as an escaped JSON string.
func NewConfigure(document string, opts ...Option) (*Envelope, error) {
	if err := ValidateConfiguration(document); err != nil {
		return nil, err
	}
	e, err := New(TypeConfigure, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Set(FieldConfigure, document); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateConfiguration checks that document is a non-empty YAML mapping.
func ValidateConfiguration(document string) error {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(document), &root); err != nil {
		return fmt.Errorf("%w: configuration is not valid YAML: %v", kvperr.ErrInvalidArgument, err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%w: configuration must be a YAML mapping", kvperr.ErrInvalidArgument)
	}
	return nil
}

// NewResponse builds a response to req. The response reuses req's request
// id and type.
func NewResponse(req *Envelope, responseType string, status uint, opts ...Option) (*Envelope, error) {
	requestType := req.RequestType
	if requestType == "" {
		requestType = TypeUnknown
	}

	opts = append([]Option{WithRequestID(req.RequestID)}, opts...)
	e, err := New(requestType, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Set(FieldResponseType, responseType); err != nil {
		return nil, err
	}
	if err := e.Set(FieldStatus, status); err != nil {
		return nil, err
	}
	return e, nil
}

// NewErrorResponse builds an Error response with a description.
func NewErrorResponse(req *Envelope, status uint, description string, opts ...Option) (*Envelope, error) {
	e, err := NewResponse(req, ResponseError, status, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Set(FieldErrorDescription, description); err != nil {
		return nil, err
	}
	return e, nil
}

// ResponseType returns the response type, or "" for requests.
func (e *Envelope) ResponseType() string {
	rt, _ := e.String(FieldResponseType)
	return rt
}

// IsResponse reports whether the envelope carries a response type.
func (e *Envelope) IsResponse() bool {
	return e.Has(FieldResponseType)
}

// Status returns the response status; absent means success.
func (e *Envelope) Status() uint {
	s, _ := e.Uint(FieldStatus)
	return s
}

// Err converts a failed response into an error.
func (e *Envelope) Err() error {
	switch e.ResponseType() {
	case ResponseError, ResponseTooManyRequests:
	default:
		if e.Status() == StatusOK {
			return nil
		}
	}
	desc, _ := e.String(FieldErrorDescription)
	if desc == "" {
		desc = e.ResponseType()
	}
	return fmt.Errorf("request %s (%s) failed with status %d: %s", e.RequestID, e.RequestType, e.Status(), desc)
}

// ProgressData is the payload of a Progress response.
type ProgressData struct {
	Percent uint   `json:"Percent"`
	Step    string `json:"Step,omitempty"`
}

// NewProgressResponse builds the n-th progress response to req. It is
// written under ProgressMessageID(req.RequestID, n).
func NewProgressResponse(req *Envelope, n int, data ProgressData, opts ...Option) (*Envelope, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: progress sequence %d", kvperr.ErrInvalidArgument, n)
	}
	opts = append(opts, WithMessageID(ProgressMessageID(req.RequestID, n)))
	e, err := NewResponse(req, ResponseProgress, StatusOK, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Set(FieldProgress, data); err != nil {
		return nil, err
	}
	return e, nil
}

// Progress returns the progress payload, if any.
func (e *Envelope) Progress() (ProgressData, bool) {
	var data ProgressData
	ok := e.decodeField(FieldProgress, &data)
	return data, ok
}
