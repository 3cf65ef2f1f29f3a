package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
)

// Dispatcher maps /func/{name} to handlers of the form
// func(ctx, *Req, *Res) error or func(ctx, *Res) error.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

// apiError carries an HTTP status out of a dispatched handler.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return e.msg
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = validator.New()
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	_func, ok := disp.funcs[funcname]
	if !ok {
		http.Error(w, fmt.Sprintf("function \"%s\" not found", funcname), http.StatusNotFound)
		return
	}
	disp.call(_func, r, w)
}

func (disp *Dispatcher) call(_func _function, r *http.Request, w http.ResponseWriter) {
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		if err := json.NewDecoder(r.Body).Decode(request.Interface()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := disp.validator.Struct(request.Interface()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(r.Context()), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(r.Context()), response})
	}
	if !err_ref[0].IsNil() {
		err := err_ref[0].Interface().(error)
		var ae *apiError
		if errors.As(err, &ae) {
			http.Error(w, ae.msg, ae.status)
			return
		}
		disp.log.Error().Err(err).Msg("function failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response.Interface()); err != nil {
		disp.log.Error().Err(err).Msg("")
	}
}

func (disp *Dispatcher) Add(funcname string, f interface{}) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	t := s.handler.Type()
	if t.Kind() != reflect.Func || t.NumOut() != 1 || !t.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
		panic("dispatcher: bad handler signature for " + funcname)
	}
	if t.NumIn() == 2 {
		s.reqType = nil
		s.resType = t.In(1).Elem()
	} else {
		s.reqType = t.In(1).Elem()
		s.resType = t.In(2).Elem()
	}
	disp.funcs[funcname] = s
}
