// Package protocol defines the message table for the device protocol: the
// mapping between logical message names and their CoAP encoding, plus the
// payload codecs used by variable reads and function calls.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ario-Inc/spark-protocol/pkg/coap"
)

// Descriptor describes one logical message: how it is framed and, for
// token-bearing requests, the name of the message that answers it.
type Descriptor struct {
	Code     coap.Code
	Type     coap.Type
	URI      string // may contain a single {name} placeholder
	Query    string // static query template, "" if none or dynamic
	Token    bool   // request carries a 1-byte token
	Response string // response-type name resolved via the token table
}

// Message names.
const (
	Hello             = "Hello"
	KeyChange         = "KeyChange"
	UpdateBegin       = "UpdateBegin"
	UpdateAbort       = "UpdateAbort"
	Chunk             = "Chunk"
	ChunkMissed       = "ChunkMissed"
	UpdateReady       = "UpdateReady"
	ChunkReceived     = "ChunkReceived"
	UpdateDone        = "UpdateDone"
	Describe          = "Describe"
	DescribeReturn    = "DescribeReturn"
	GetTime           = "GetTime"
	GetTimeReturn     = "GetTimeReturn"
	VariableRequest   = "VariableRequest"
	VariableValue     = "VariableValue"
	FunctionCall      = "FunctionCall"
	FunctionReturn    = "FunctionReturn"
	SignalStart       = "SignalStart"
	SignalStartReturn = "SignalStartReturn"
	PrivateEvent      = "PrivateEvent"
	PublicEvent       = "PublicEvent"
	Subscribe         = "Subscribe"
	EventAck          = "EventAck"
	EventSlowdown     = "EventSlowdown"
	Ping              = "Ping"
	PingAck           = "PingAck"
	Ignored           = "Ignored"
	ErrorReturn       = "ErrorReturn"
)

// Specs is the message table. Response names tie a request to the event the
// session emits when the matching token comes back.
var Specs = map[string]Descriptor{
	Hello:     {Code: coap.CodePOST, Type: coap.TypeConfirmable, URI: "h"},
	KeyChange: {Code: coap.CodePUT, Type: coap.TypeConfirmable, URI: "k", Token: true, Response: "KeyChanged"},

	UpdateBegin: {Code: coap.CodePOST, Type: coap.TypeConfirmable, URI: "u", Token: true, Response: UpdateReady},
	UpdateAbort: {Code: coap.CodeBadRequest, Type: coap.TypeConfirmable},
	Chunk:       {Code: coap.CodePOST, Type: coap.TypeConfirmable, URI: "c", Token: true, Response: ChunkReceived},
	ChunkMissed: {Code: coap.CodeGET, Type: coap.TypeConfirmable, URI: "c"},
	UpdateDone:  {Code: coap.CodePUT, Type: coap.TypeConfirmable, URI: "u", Token: true, Response: "UpdateDoneReturn"},

	UpdateReady:   {Code: coap.CodeChanged, Type: coap.TypeConfirmable},
	ChunkReceived: {Code: coap.CodeChanged, Type: coap.TypeNonConfirmable},

	Describe:       {Code: coap.CodeGET, Type: coap.TypeConfirmable, URI: "d", Token: true, Response: DescribeReturn},
	DescribeReturn: {Code: coap.CodeContent, Type: coap.TypeNonConfirmable},

	GetTime:       {Code: coap.CodeGET, Type: coap.TypeConfirmable, URI: "t", Token: true, Response: GetTimeReturn},
	GetTimeReturn: {Code: coap.CodeContent, Type: coap.TypeAck},

	VariableRequest: {Code: coap.CodeGET, Type: coap.TypeConfirmable, URI: "v/{name}", Token: true, Response: VariableValue},
	VariableValue:   {Code: coap.CodeContent, Type: coap.TypeAck},

	FunctionCall:   {Code: coap.CodePOST, Type: coap.TypeConfirmable, URI: "f/{name}", Token: true, Response: FunctionReturn},
	FunctionReturn: {Code: coap.CodeChanged, Type: coap.TypeNonConfirmable},

	SignalStart:       {Code: coap.CodePUT, Type: coap.TypeConfirmable, URI: "s", Token: true, Response: SignalStartReturn},
	SignalStartReturn: {Code: coap.CodeChanged, Type: coap.TypeNonConfirmable},

	PrivateEvent: {Code: coap.CodePOST, Type: coap.TypeNonConfirmable, URI: "E/{name}"},
	PublicEvent:  {Code: coap.CodePOST, Type: coap.TypeNonConfirmable, URI: "e/{name}"},
	Subscribe:    {Code: coap.CodeGET, Type: coap.TypeConfirmable, URI: "e/{name}", Token: true, Response: "SubscribeReturn"},

	EventAck:      {Code: coap.CodeChanged, Type: coap.TypeNonConfirmable},
	EventSlowdown: {Code: coap.CodeBadRequest, Type: coap.TypeConfirmable, URI: "e"},

	Ping:        {Code: coap.CodeEmpty, Type: coap.TypeConfirmable},
	PingAck:     {Code: coap.CodeEmpty, Type: coap.TypeAck},
	Ignored:     {Code: coap.CodeEmpty, Type: coap.TypeReset},
	ErrorReturn: {Code: coap.CodeInternalError, Type: coap.TypeNonConfirmable},
}

// Params carries the per-call values a descriptor may splice into the frame.
// Dynamic URI and query values are explicit fields rather than injected
// closures.
type Params struct {
	Name      string    // substituted into a {name} URI placeholder
	Query     string    // Uri-Query value; overrides the template when set
	MaxAge    uint32    // Max-Age option, seconds; 0 omits the option
	Timestamp time.Time // appended to the query as unix seconds when set
}

// Wrap builds the wire bytes for the named message. Unknown names and
// placeholder params that are missing produce an error.
func Wrap(name string, messageID uint16, params Params, payload []byte, token []byte) ([]byte, error) {
	spec, ok := Specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown message %q", name)
	}

	m := &coap.Message{
		Type:      spec.Type,
		Code:      spec.Code,
		MessageID: messageID,
		Payload:   payload,
	}
	if len(token) > 0 {
		m.Token = token
	}

	uri := spec.URI
	if strings.Contains(uri, "{name}") {
		if params.Name == "" {
			return nil, fmt.Errorf("message %q requires a name parameter", name)
		}
		uri = strings.ReplaceAll(uri, "{name}", params.Name)
	}
	if uri != "" {
		m.AddUriPath(uri)
	}

	if params.MaxAge > 0 {
		m.AddMaxAge(params.MaxAge)
	}

	query := spec.Query
	if params.Query != "" {
		query = params.Query
	}
	if !params.Timestamp.IsZero() {
		ts := fmt.Sprintf("t=%d", params.Timestamp.Unix())
		if query != "" {
			query += "&" + ts
		} else {
			query = ts
		}
	}
	if query != "" {
		m.AddUriQuery(query)
	}

	return m.Marshal()
}

// Unwrap parses wire bytes into a message, nil on malformed input.
func Unwrap(data []byte) *coap.Message {
	m := coap.Unmarshal(data)
	if m == nil {
		return nil
	}
	m.Received = time.Now()
	return m
}

// Kind classifies an inbound message for the session's receive path.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindAck
	KindEmptyPing
)

// Classification is the result of Classify.
type Classification struct {
	Kind Kind
	// Name is the request-type name for requests, or the response-type name
	// recovered through the token table for responses and acks. Empty when
	// no mapping exists.
	Name string
}

// TokenResolver recovers the originating request name for a token.
type TokenResolver func(token []byte) (string, bool)

// Classify determines how the session should route an inbound message.
func Classify(m *coap.Message, resolve TokenResolver) Classification {
	if m.IsAck() {
		return Classification{Kind: KindAck, Name: responseName(m, resolve)}
	}
	if m.IsEmpty() {
		return Classification{Kind: KindEmptyPing}
	}
	if m.IsRequest() {
		return Classification{Kind: KindRequest, Name: requestName(m)}
	}
	return Classification{Kind: KindResponse, Name: responseName(m, resolve)}
}

// requestName maps an inbound request's code and URI onto a table name.
func requestName(m *coap.Message) string {
	path := m.UriPath()
	root := path
	if i := strings.IndexByte(path, '/'); i >= 0 {
		root = path[:i]
	}

	switch root {
	case "h":
		return Hello
	case "t":
		return GetTime
	case "c":
		if m.Code == coap.CodeGET {
			return ChunkMissed
		}
	case "e", "E":
		if m.Code == coap.CodeGET {
			return Subscribe
		}
		if root == "E" {
			return PrivateEvent
		}
		return PublicEvent
	case "d":
		return Describe
	}
	return ""
}

func responseName(m *coap.Message, resolve TokenResolver) string {
	if resolve == nil || len(m.Token) == 0 {
		return ""
	}
	request, ok := resolve(m.Token)
	if !ok {
		return ""
	}
	spec, ok := Specs[request]
	if !ok || spec.Response == "" {
		return ""
	}
	return spec.Response
}
