// SPDX-License-Identifier: Apache-2.0

// Package dispatch maps inbound request envelopes onto methods of a
// user-supplied handler object. The handler's method set is scanned once at
// registration; per-request lookups are a map hit on the lower-cased name.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	logging "github.com/loopholelabs/logging/types"

	"github.com/alphaomega-io/pipemesh/pkg/wire"
)

var (
	HandlerErr  = errors.New("invalid handler")
	NotFoundErr = errors.New("method not found")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type method struct {
	name     string
	fn       reflect.Value
	args     []reflect.Type
	wantsCtx bool
	hasValue bool
	hasErr   bool
}

// Handler dispatches requests by name onto a receiver object.
type Handler struct {
	receiver reflect.Value
	methods  map[string]*method
	logger   logging.Logger
}

// NewHandler scans receiver's exported methods. A method may optionally take
// a leading context.Context; remaining parameters are decoded positionally
// from the request payload. Results may be (V, error), V, error, or nothing.
func NewHandler(receiver any, logger logging.Logger) (*Handler, error) {
	if receiver == nil {
		return nil, HandlerErr
	}
	rv := reflect.ValueOf(receiver)
	rt := rv.Type()
	methods := make(map[string]*method)
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		mt := m.Type
		spec := &method{
			name: m.Name,
			fn:   m.Func,
		}
		firstArg := 1
		if mt.NumIn() > firstArg && mt.In(firstArg) == contextType {
			spec.wantsCtx = true
			firstArg++
		}
		for j := firstArg; j < mt.NumIn(); j++ {
			spec.args = append(spec.args, mt.In(j))
		}
		switch mt.NumOut() {
		case 0:
		case 1:
			if mt.Out(0) == errorType {
				spec.hasErr = true
			} else {
				spec.hasValue = true
			}
		case 2:
			if mt.Out(1) != errorType {
				return nil, errors.Join(HandlerErr, fmt.Errorf("method %s: second result must be error", m.Name))
			}
			spec.hasValue = true
			spec.hasErr = true
		default:
			return nil, errors.Join(HandlerErr, fmt.Errorf("method %s: too many results", m.Name))
		}
		methods[strings.ToLower(m.Name)] = spec
	}
	return &Handler{
		receiver: rv,
		methods:  methods,
		logger:   logger.SubLogger("dispatch"),
	}, nil
}

// Dispatch resolves req.Type case-insensitively, decodes the payload as the
// method's argument tuple, invokes it, and shapes the reply. Methods with no
// value result produce no reply; failures of any kind are reified as
// TypeError envelopes and never propagate.
func (h *Handler) Dispatch(ctx context.Context, req *wire.Message) *wire.Message {
	m, ok := h.methods[strings.ToLower(req.Type)]
	if !ok {
		h.logger.Warn().Str("type", req.Type).Err(NotFoundErr).Msg("no matching method")
		return h.errorReply(req, fmt.Sprintf("method not found: %s", req.Type))
	}
	args, err := wire.DecodeArgs(req.Payload, m.args)
	if err != nil {
		return h.errorReply(req, err.Error())
	}
	callArgs := make([]reflect.Value, 0, len(args)+2)
	callArgs = append(callArgs, h.receiver)
	if m.wantsCtx {
		callArgs = append(callArgs, reflect.ValueOf(ctx))
	}
	callArgs = append(callArgs, args...)

	out, panicked := h.invoke(m, callArgs)
	if panicked != nil {
		h.logger.Error().Str("type", req.Type).Msgf("handler panicked: %v", panicked)
		return h.errorReply(req, fmt.Sprintf("%v", panicked))
	}
	if m.hasErr {
		errVal := out[len(out)-1]
		if !errVal.IsNil() {
			callErr := errVal.Interface().(error)
			h.logger.Error().Str("type", req.Type).Err(callErr).Msg("handler returned error")
			return h.errorReply(req, callErr.Error())
		}
	}
	if !m.hasValue {
		return nil
	}
	value := out[0]
	if isNilValue(value) {
		return h.nullReply(req)
	}
	reply, err := wire.CopyFor(req, m.name, value.Interface())
	if err != nil {
		h.logger.Error().Str("type", req.Type).Err(err).Msg("unable to encode reply")
		return h.errorReply(req, err.Error())
	}
	return reply
}

func (h *Handler) invoke(m *method, callArgs []reflect.Value) (out []reflect.Value, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	out = m.fn.Call(callArgs)
	return out, nil
}

func (h *Handler) errorReply(req *wire.Message, message string) *wire.Message {
	reply, err := wire.CopyFor(req, wire.TypeError, wire.ErrorResponse{Message: message})
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to encode error reply")
		return nil
	}
	return reply
}

func (h *Handler) nullReply(req *wire.Message) *wire.Message {
	reply, err := wire.CopyFor(req, wire.TypeNull, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("unable to encode null reply")
		return nil
	}
	return reply
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
