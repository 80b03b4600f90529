package server

import (
	"context"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	takesCtx  bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for exported methods of either form
//
//	func (r *T) Name(ctx context.Context, args *Args, reply *Reply) error
//	func (r *T) Name(args *Args, reply *Reply) error
//
// and registers it under name, or under T's type name when name is empty.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods with an RPC signature", name)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		// In(0) is the receiver.
		var takesCtx bool
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			takesCtx = true
		case mt.NumIn() == 3:
		default:
			continue
		}
		argIdx := mt.NumIn() - 2
		argType, replyType := mt.In(argIdx), mt.In(argIdx+1)
		if argType.Kind() != reflect.Ptr || replyType.Kind() != reflect.Ptr {
			continue
		}

		s.method[m.Name] = &methodType{
			method:    m,
			takesCtx:  takesCtx,
			ArgType:   argType.Elem(),
			ReplyType: replyType.Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	var in []reflect.Value
	if m.takesCtx {
		in = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	} else {
		in = []reflect.Value{s.rcvr, argv, replyv}
	}
	out := m.method.Func.Call(in)
	if errv := out[0]; !errv.IsNil() {
		return errv.Interface().(error)
	}
	return nil
}
