// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// Errors returned by ReflectFactory.
var (
	// ErrNoMatchingConstructor indicates that no constructor accepts the job's args.
	ErrNoMatchingConstructor = errors.New("resq: no constructor matches the job arguments")

	// ErrAmbiguousConstructor indicates that several constructors match the job's args equally well.
	ErrAmbiguousConstructor = errors.New("resq: several constructors match the job arguments equally well")
)

// Match weights of a single argument against a parameter type.
// Higher is more specific.
const (
	noMatch         = 0
	matchEmptyIface = 1
	matchIface      = 2
	matchConvert    = 3
	matchExact      = 4
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// ReflectFactory is a JobFactory that resolves job classes to one of
// several candidate constructor functions by inspecting the arguments.
//
// Each job argument is weighed against the corresponding constructor
// parameter: an identical type weighs most, then a numeric conversion,
// then a non-empty interface the argument implements, then interface{}.
// The constructor with the highest total wins. A tie between the best
// candidates fails with ErrAmbiguousConstructor.
//
// Jobs carrying vars are built with a zero-parameter constructor and the
// vars are then assigned to the fields of the resulting struct, matched by
// json tag or case-insensitive field name.
//
// Constructors must return one value, or a value and an error.
type ReflectFactory struct {
	mu    sync.RWMutex
	ctors map[string][]reflect.Value
}

// NewReflectFactory allocates and returns a new ReflectFactory.
func NewReflectFactory() *ReflectFactory {
	return &ReflectFactory{ctors: make(map[string][]reflect.Value)}
}

// Register adds candidate constructors for the given class name.
// Register panics if a constructor is not a function of a supported shape.
func (f *ReflectFactory) Register(name string, ctors ...interface{}) {
	if name == "" {
		panic("resq: invalid class name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range ctors {
		v := reflect.ValueOf(c)
		if v.Kind() != reflect.Func {
			panic(fmt.Sprintf("resq: constructor for %s is %T, not a function", name, c))
		}
		t := v.Type()
		switch {
		case t.NumOut() == 1:
		case t.NumOut() == 2 && t.Out(1) == errorType:
		default:
			panic(fmt.Sprintf("resq: constructor for %s must return a value or a value and an error", name))
		}
		f.ctors[name] = append(f.ctors[name], v)
	}
}

// Materialize calls the constructor registered for job.Class that best
// matches the job's arguments.
func (f *ReflectFactory) Materialize(job *Job) (interface{}, error) {
	if !job.Valid() {
		return nil, ErrInvalidJob
	}
	f.mu.RLock()
	candidates := f.ctors[job.Class]
	f.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnpermittedJob, job.Class)
	}

	args := job.Args
	if job.Vars != nil {
		args = nil
	}
	ctor, err := bestConstructor(job.Class, candidates, args)
	if err != nil {
		return nil, err
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if in[i], err = convertArg(a, ctor.Type().In(i)); err != nil {
			return nil, fmt.Errorf("resq: %s arg %d: %w", job.Class, i, err)
		}
	}
	out := ctor.Call(in)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	result := out[0]
	if job.Vars != nil {
		if err := assignVars(result, job.Vars); err != nil {
			return nil, fmt.Errorf("resq: %s: %w", job.Class, err)
		}
	}
	return result.Interface(), nil
}

func bestConstructor(class string, candidates []reflect.Value, args []interface{}) (reflect.Value, error) {
	var (
		best  reflect.Value
		score = -1
		tied  bool
	)
	for _, c := range candidates {
		s := matchScore(c.Type(), args)
		if s < 0 {
			continue
		}
		switch {
		case s > score:
			best, score, tied = c, s, false
		case s == score:
			tied = true
		}
	}
	if score < 0 {
		return reflect.Value{}, fmt.Errorf("%w: %s%v", ErrNoMatchingConstructor, class, args)
	}
	if tied {
		return reflect.Value{}, fmt.Errorf("%w: %s%v", ErrAmbiguousConstructor, class, args)
	}
	return best, nil
}

// matchScore returns the total weight of args against the parameters of
// fn, or -1 if any argument cannot be passed.
func matchScore(fn reflect.Type, args []interface{}) int {
	if fn.IsVariadic() || fn.NumIn() != len(args) {
		return -1
	}
	total := 0
	for i, a := range args {
		w := argWeight(a, fn.In(i))
		if w == noMatch {
			return -1
		}
		total += w
	}
	return total
}

func argWeight(arg interface{}, param reflect.Type) int {
	if arg == nil {
		switch param.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return matchIface
		}
		return noMatch
	}
	t := reflect.TypeOf(arg)
	switch {
	case t == param:
		return matchExact
	case param.Kind() == reflect.Interface && param.NumMethod() == 0:
		return matchEmptyIface
	case param.Kind() == reflect.Interface && t.Implements(param):
		return matchIface
	}
	if n, ok := arg.(json.Number); ok && isNumericKind(param.Kind()) {
		if isIntKind(param.Kind()) {
			if _, err := n.Int64(); err != nil {
				return noMatch
			}
		}
		return matchConvert
	}
	if t.ConvertibleTo(param) && t.Kind() == param.Kind() {
		return matchConvert
	}
	return noMatch
}

func convertArg(arg interface{}, param reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(param), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(param) {
		return v, nil
	}
	if n, ok := arg.(json.Number); ok && isNumericKind(param.Kind()) {
		var (
			x   interface{}
			err error
		)
		switch {
		case isIntKind(param.Kind()):
			x, err = cast.ToInt64E(n)
		case isUintKind(param.Kind()):
			x, err = cast.ToUint64E(n)
		default:
			x, err = cast.ToFloat64E(n)
		}
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(x).Convert(param), nil
	}
	return v.Convert(param), nil
}

// assignVars sets the exported fields of the struct held by v from vars.
func assignVars(v reflect.Value, vars map[string]interface{}) error {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return errors.New("cannot assign vars to a nil value")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || !v.CanSet() {
		return fmt.Errorf("cannot assign vars to %s, need a pointer to a struct", v.Type())
	}
	t := v.Type()
	for name, val := range vars {
		idx := fieldIndex(t, name)
		if idx < 0 {
			return fmt.Errorf("no field for var %q in %s", name, t)
		}
		field := v.Field(idx)
		x, err := castTo(val, field.Type())
		if err != nil {
			return fmt.Errorf("var %q: %w", name, err)
		}
		field.Set(x)
	}
	return nil
}

func fieldIndex(t reflect.Type, name string) int {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if tag == name || (tag == "" && strings.EqualFold(sf.Name, name)) {
			return i
		}
	}
	return -1
}

// castTo converts val to a value of type t.
func castTo(val interface{}, t reflect.Type) (reflect.Value, error) {
	if val == nil {
		return reflect.Zero(t), nil
	}
	var (
		x   interface{}
		err error
	)
	switch {
	case reflect.TypeOf(val).AssignableTo(t):
		return reflect.ValueOf(val), nil
	case t.Kind() == reflect.String:
		x, err = cast.ToStringE(val)
	case t.Kind() == reflect.Bool:
		x, err = cast.ToBoolE(val)
	case isIntKind(t.Kind()):
		x, err = cast.ToInt64E(val)
	case isUintKind(t.Kind()):
		x, err = cast.ToUint64E(val)
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		x, err = cast.ToFloat64E(val)
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.String:
		x, err = cast.ToStringSliceE(val)
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String && t.Elem().Kind() == reflect.Interface:
		x, err = cast.ToStringMapE(val)
	default:
		return reflect.Value{}, fmt.Errorf("cannot assign %T to %s", val, t)
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(x).Convert(t), nil
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumericKind(k reflect.Kind) bool {
	return isIntKind(k) || isUintKind(k) || k == reflect.Float32 || k == reflect.Float64
}
