package script

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

var (
	ErrTimeout         = errors.New("script execution timeout")
	ErrMissingProcess  = errors.New("process function not found")
	ErrProcessNotFunc  = errors.New("process is not a function")
	ErrUnsupportedType = errors.New("process returned an unsupported value")
)

const DefaultTimeout = time.Second

type program struct {
	code     string
	compiled *goja.Program
}

func compile(code string) (*program, error) {
	compiled, err := goja.Compile("script", code, false)
	if err != nil {
		return nil, errors.Wrap(err, "JavaScript compile error")
	}
	return &program{code: code, compiled: compiled}, nil
}

// run executes p against in on a fresh runtime, interrupting it after timeout.
func (p *program) run(in Input, timeout time.Duration) (Result, error) {
	start := time.Now()
	result := Result{LogMessages: []string{}}

	vm := goja.New()
	setupEnvironment(vm, &result)

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	out, err := func() (value goja.Value, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("JavaScript execution panic: %v", r)
			}
		}()

		if _, err := vm.RunProgram(p.compiled); err != nil {
			return nil, err
		}
		fn, err := processFunc(vm)
		if err != nil {
			return nil, err
		}
		return fn(goja.Undefined(), messageObject(vm, in))
	}()
	result.ExecutionTime = time.Since(start)

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return result, errors.Wrapf(ErrTimeout, "after %v", timeout)
		}
		return result, errors.Wrap(err, "JavaScript execution error")
	}

	body, drop, err := exportBody(out)
	if err != nil {
		return result, err
	}
	result.Body = body
	result.Drop = drop
	return result, nil
}

func processFunc(vm *goja.Runtime) (goja.Callable, error) {
	value := vm.Get("process")
	if value == nil || goja.IsUndefined(value) {
		return nil, ErrMissingProcess
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, ErrProcessNotFunc
	}
	return fn, nil
}

// exportBody maps a process return value onto a message body: null and
// undefined drop the message, strings replace the body and anything else
// is JSON encoded.
func exportBody(value goja.Value) (string, bool, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "", true, nil
	}
	exported := value.Export()
	if s, ok := exported.(string); ok {
		return s, false, nil
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return "", false, errors.Wrap(ErrUnsupportedType, err.Error())
	}
	return string(data), false, nil
}

func messageObject(vm *goja.Runtime, in Input) *goja.Object {
	obj := vm.NewObject()
	obj.Set("destination", in.Destination)
	obj.Set("subscription", in.SubscriptionID)
	obj.Set("messageId", in.MessageID)
	obj.Set("body", in.Body)

	headers := vm.NewObject()
	for key, value := range in.Headers {
		headers.Set(key, value)
	}
	obj.Set("headers", headers)

	var parsed interface{}
	if err := json.Unmarshal([]byte(in.Body), &parsed); err == nil {
		obj.Set("json", parsed)
	} else {
		obj.Set("json", goja.Null())
	}
	return obj
}

func setupEnvironment(vm *goja.Runtime, result *Result) {
	vm.Set("log", func(args ...interface{}) {
		message := make([]string, len(args))
		for i, arg := range args {
			message[i] = fmt.Sprintf("%v", arg)
		}
		result.LogMessages = append(result.LogMessages, strings.Join(message, " "))
	})

	vm.Set("getTime", func() int64 {
		return time.Now().Unix()
	})

	vm.Set("getISO", func() string {
		return time.Now().Format(time.RFC3339)
	})

	vm.Set("parseJSON", func(jsonStr string) interface{} {
		var parsed interface{}
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
			return nil
		}
		return parsed
	})

	vm.Set("stringify", func(obj interface{}) string {
		data, err := json.Marshal(obj)
		if err != nil {
			return ""
		}
		return string(data)
	})
}

// Validate compiles code and checks it defines a process function.
func Validate(code string) error {
	p, err := compile(code)
	if err != nil {
		return err
	}

	vm := goja.New()
	setupEnvironment(vm, &Result{})
	timer := time.AfterFunc(DefaultTimeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	if _, err := vm.RunProgram(p.compiled); err != nil {
		return errors.Wrap(err, "JavaScript validation error")
	}
	_, err = processFunc(vm)
	return err
}
