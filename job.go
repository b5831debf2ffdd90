// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// Job is a unit of work as it travels through redis.
//
// A job names the code to run with Class and carries either positional
// Args or named Vars. The wire format is shared with Resque:
//
//	{"class":"Archive","args":["2024-01",3]}
//	{"class":"Archive","vars":{"month":"2024-01"}}
type Job struct {
	// Class identifies the code to run. A job without a class is invalid.
	Class string

	// Args holds the positional arguments.
	Args []interface{}

	// Vars holds named arguments. When set, the job is encoded with vars
	// instead of args.
	Vars map[string]interface{}
}

// NewJob returns a job of the given class with positional arguments.
func NewJob(class string, args ...interface{}) *Job {
	return &Job{Class: class, Args: args}
}

// NewJobWithVars returns a job of the given class with named arguments.
func NewJobWithVars(class string, vars map[string]interface{}) *Job {
	return &Job{Class: class, Vars: vars}
}

// Valid reports whether the job names a class.
func (j *Job) Valid() bool {
	return j != nil && j.Class != ""
}

func (j *Job) String() string {
	if j == nil {
		return "<nil>"
	}
	if j.Vars != nil {
		return fmt.Sprintf("%s(%v)", j.Class, j.Vars)
	}
	return fmt.Sprintf("%s%v", j.Class, j.Args)
}

type jobArgs struct {
	Class string        `json:"class"`
	Args  []interface{} `json:"args"`
}

type jobVars struct {
	Class string                 `json:"class"`
	Vars  map[string]interface{} `json:"vars"`
}

type jobWire struct {
	Class string                 `json:"class"`
	Args  []interface{}          `json:"args,omitempty"`
	Vars  map[string]interface{} `json:"vars,omitempty"`
}

// MarshalJSON encodes the job in the Resque wire format.
// Args are always written as an array unless the job carries vars.
func (j *Job) MarshalJSON() ([]byte, error) {
	if j.Vars != nil {
		return json.Marshal(jobVars{Class: j.Class, Vars: j.Vars})
	}
	args := j.Args
	if args == nil {
		args = []interface{}{}
	}
	return json.Marshal(jobArgs{Class: j.Class, Args: args})
}

// UnmarshalJSON decodes the Resque wire format. Numbers are kept as
// json.Number so large integers survive the round trip.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	j.Class = w.Class
	j.Args = w.Args
	j.Vars = w.Vars
	return nil
}

// EncodeJob returns the wire encoding of j.
func EncodeJob(j *Job) ([]byte, error) {
	if j == nil {
		return nil, ErrInvalidJob
	}
	return json.Marshal(j)
}

// DecodeJob parses a job payload read from a queue.
// It returns a *MalformedPayloadError if data is not a JSON job object.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, &MalformedPayloadError{Payload: string(data), Err: err}
	}
	return &j, nil
}

// ErrInvalidJob indicates that a job has no class.
var ErrInvalidJob = errors.New("resq: job must have a class")

// MalformedPayloadError indicates that a claimed payload could not be decoded.
// Such a payload is dropped from the in-flight list and never retried.
type MalformedPayloadError struct {
	Payload string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("resq: malformed job payload %q: %v", e.Payload, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Arg returns the i-th positional argument.
func (j *Job) Arg(i int) (interface{}, error) {
	if i < 0 || i >= len(j.Args) {
		return nil, fmt.Errorf("resq: %s has %d args, no arg at index %d", j.Class, len(j.Args), i)
	}
	return j.Args[i], nil
}

// ArgString returns the i-th positional argument converted to a string.
func (j *Job) ArgString(i int) (string, error) {
	v, err := j.Arg(i)
	if err != nil {
		return "", err
	}
	return cast.ToStringE(v)
}

// ArgInt returns the i-th positional argument converted to an int.
func (j *Job) ArgInt(i int) (int, error) {
	v, err := j.Arg(i)
	if err != nil {
		return 0, err
	}
	return cast.ToIntE(v)
}

// ArgInt64 returns the i-th positional argument converted to an int64.
func (j *Job) ArgInt64(i int) (int64, error) {
	v, err := j.Arg(i)
	if err != nil {
		return 0, err
	}
	return cast.ToInt64E(v)
}

// ArgFloat returns the i-th positional argument converted to a float64.
func (j *Job) ArgFloat(i int) (float64, error) {
	v, err := j.Arg(i)
	if err != nil {
		return 0, err
	}
	return cast.ToFloat64E(v)
}

// ArgBool returns the i-th positional argument converted to a bool.
func (j *Job) ArgBool(i int) (bool, error) {
	v, err := j.Arg(i)
	if err != nil {
		return false, err
	}
	return cast.ToBoolE(v)
}

// Var returns the named argument and whether it was present.
func (j *Job) Var(name string) (interface{}, bool) {
	v, ok := j.Vars[name]
	return v, ok
}

// VarString returns the named argument converted to a string.
func (j *Job) VarString(name string) (string, error) {
	v, ok := j.Vars[name]
	if !ok {
		return "", fmt.Errorf("resq: %s has no var %q", j.Class, name)
	}
	return cast.ToStringE(v)
}
