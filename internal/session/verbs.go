package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/pkg/coap"
	"github.com/Ario-Inc/spark-protocol/pkg/protocol"
)

// Verb errors.
var (
	ErrLocked          = errors.New("locked during flashing")
	ErrNoDeviceState   = errors.New("No device state!")
	ErrUnknownVariable = errors.New("Variable not found")
	ErrUnknownFunction = errors.New("Unknown Function")
)

// tokenRef lets a listener registered before the send match on the token the
// send ends up allocating.
type tokenRef struct {
	mu    sync.Mutex
	token []byte
}

func (r *tokenRef) set(token []byte) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

func (r *tokenRef) matches(m *coap.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == nil {
		return true
	}
	return bytes.Equal(r.token, m.Token)
}

// sendAndAwait sends a token-bearing request and waits for the event named
// by its response type, keyed by the allocated token.
func (s *Session) sendAndAwait(name string, params protocol.Params, payload []byte, timeout time.Duration) (*coap.Message, error) {
	return s.sendAndAwaitAs(name, params, payload, timeout, nil)
}

// sendAndAwaitAs is sendAndAwait on behalf of an ownership holder.
func (s *Session) sendAndAwaitAs(name string, params protocol.Params, payload []byte, timeout time.Duration, owner interface{}) (*coap.Message, error) {
	spec, ok := protocol.Specs[name]
	if !ok || spec.Response == "" {
		return nil, fmt.Errorf("message %q has no response type", name)
	}

	ref := &tokenRef{}
	w := s.listenMatch(spec.Response, ref.matches)

	token := s.SendMessage(name, params, payload, owner)
	if token == SendRefused {
		w.detach()
		if s.Owned() {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("send %s failed", name)
	}
	ref.set([]byte{byte(token)})

	if timeout <= 0 {
		timeout = s.cfg.ListenerTimeout
	}
	return w.wait(timeout)
}

// Describe returns the device's self-description, fetching it on first use.
func (s *Session) Describe() (*Introspection, error) {
	if s.Owned() {
		return nil, ErrLocked
	}

	s.mu.Lock()
	intro := s.introspection
	s.mu.Unlock()
	if intro != nil {
		return intro, nil
	}
	return s.describe()
}

// describe runs the two-phase describe exchange: the first response carries
// the system information; the application function state arrives in a second
// response unless the first already contained both `f` and `v`. Both
// responses ride the same token, so one buffered listener catches the pair
// even when they arrive back-to-back.
func (s *Session) describe() (*Introspection, error) {
	ref := &tokenRef{}
	responses := make(chan *coap.Message, 2)
	detach := s.events.on(protocol.DescribeReturn, func(ev Event) {
		if !ref.matches(ev.Message) {
			return
		}
		select {
		case responses <- ev.Message:
		default:
		}
	})
	defer detach()

	token := s.SendMessage(protocol.Describe, protocol.Params{}, nil, nil)
	if token == SendRefused {
		return nil, ErrNoDeviceState
	}
	ref.set([]byte{byte(token)})

	first, err := s.nextResponse(responses)
	if err != nil {
		return nil, ErrNoDeviceState
	}

	var systemInfo map[string]interface{}
	if err := json.Unmarshal(first.Payload, &systemInfo); err != nil {
		return nil, fmt.Errorf("parse describe response: %w", err)
	}

	var functionState map[string]interface{}
	_, hasF := systemInfo["f"]
	_, hasV := systemInfo["v"]
	if hasF && hasV {
		functionState = systemInfo
	} else {
		second, err := s.nextResponse(responses)
		if err != nil {
			return nil, ErrNoDeviceState
		}
		if err := json.Unmarshal(second.Payload, &functionState); err != nil {
			return nil, fmt.Errorf("parse application describe: %w", err)
		}
	}

	variables := map[string]string{}
	if v, ok := functionState["v"].(map[string]interface{}); ok {
		variables = protocol.TranslateIntTypes(v)
	}

	intro := &Introspection{
		SystemInformation: systemInfo,
		FunctionState:     functionState,
		Variables:         variables,
	}

	// Replaced atomically; readers always see a complete pair.
	s.mu.Lock()
	s.introspection = intro
	s.mu.Unlock()

	return intro, nil
}

// nextResponse waits for the next buffered describe response, bounded by
// the listener timeout and the session lifetime.
func (s *Session) nextResponse(responses <-chan *coap.Message) (*coap.Message, error) {
	timer := time.NewTimer(s.cfg.ListenerTimeout)
	defer timer.Stop()

	select {
	case m := <-responses:
		return m, nil
	case <-s.done:
		return nil, ErrDisconnected
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// GetVariable reads a named cloud variable and decodes it per the type the
// device declared for it.
func (s *Session) GetVariable(name string) (interface{}, error) {
	if s.Owned() {
		return nil, ErrLocked
	}

	intro, err := s.Describe()
	if err != nil {
		return nil, err
	}

	typeName, ok := intro.Variables[name]
	if !ok {
		return nil, ErrUnknownVariable
	}
	if typeName == "" {
		typeName = protocol.TypeString
	}

	resp, err := s.sendAndAwait(protocol.VariableRequest, protocol.Params{Name: name}, nil, 0)
	if err != nil {
		return nil, err
	}

	return protocol.FromBinary(resp.Payload, typeName)
}

// CallFunction invokes a cloud function with the given arguments and returns
// its int32 result.
func (s *Session) CallFunction(name string, args []interface{}) (int32, error) {
	if s.Owned() {
		return 0, ErrLocked
	}

	intro, err := s.Describe()
	if err != nil {
		return 0, err
	}

	argSpec, err := resolveArgSpec(intro.FunctionState, name)
	if err != nil {
		return 0, err
	}

	encoded, err := protocol.BuildArguments(args, argSpec)
	if err != nil {
		return 0, err
	}

	resp, err := s.sendAndAwait(protocol.FunctionCall,
		protocol.Params{Name: name, Query: string(encoded)}, nil, 0)
	if err != nil {
		return 0, err
	}

	value, err := protocol.FromBinary(resp.Payload, protocol.TypeInt32)
	if err != nil {
		return 0, err
	}
	return value.(int32), nil
}

// resolveArgSpec finds a function's argument signature. New-form firmware
// describes each function with its args; old-form firmware lists bare names
// under `f` and takes a single string argument.
func resolveArgSpec(functionState map[string]interface{}, name string) ([]protocol.ArgSpec, error) {
	if entry, ok := functionState[name].(map[string]interface{}); ok {
		if rawArgs, ok := entry["args"].([]interface{}); ok {
			spec := make([]protocol.ArgSpec, 0, len(rawArgs))
			for _, raw := range rawArgs {
				pair, ok := raw.([]interface{})
				if !ok || len(pair) != 2 {
					return nil, ErrUnknownFunction
				}
				argName, _ := pair[0].(string)
				argType, ok := pair[1].(string)
				if !ok {
					return nil, ErrUnknownFunction
				}
				spec = append(spec, protocol.ArgSpec{Name: argName, Type: argType})
			}
			return spec, nil
		}
	}

	if list, ok := functionState["f"].([]interface{}); ok {
		for _, raw := range list {
			fn, ok := raw.(string)
			if ok && strings.EqualFold(fn, name) {
				return []protocol.ArgSpec{{Type: protocol.TypeString}}, nil
			}
		}
	}

	return nil, ErrUnknownFunction
}

// RaiseSignal toggles the device's visual signal (rainbow) mode.
func (s *Session) RaiseSignal(on bool) error {
	if s.Owned() {
		return ErrLocked
	}

	query := "nyan=0"
	if on {
		query = "nyan=1"
	}
	_, err := s.sendAndAwait(protocol.SignalStart, protocol.Params{Query: query}, nil, 0)
	return err
}

// OnCoreEvent bridges a bus event down to the device as a public or private
// event message.
func (s *Session) OnCoreEvent(ev *models.Event) error {
	name := protocol.PrivateEvent
	if ev.IsPublic {
		name = protocol.PublicEvent
	}

	params := protocol.Params{
		Name:      ev.Name,
		MaxAge:    ev.TTL,
		Timestamp: ev.PublishedAt,
	}
	if s.SendMessage(name, params, ev.Data, nil) == SendRefused {
		return fmt.Errorf("send event %q refused", ev.Name)
	}
	return nil
}

// Introspected returns the stored introspection pair, nil before describe.
func (s *Session) Introspected() *Introspection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.introspection
}
