// Package script runs per-destination JavaScript filters over received
// messages. A script defines process(message); see Result for how its return
// value is applied.
package script

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/metrics"
)

var ErrScriptNotFound = errors.New("script not found")

type entry struct {
	script  Script
	program *program
}

type Engine struct {
	scripts map[string]*entry
	timeout time.Duration
	logger  *logrus.Entry
	mutex   sync.RWMutex
}

func NewEngine(timeout time.Duration, logger *logrus.Entry) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.WithField("pkg", "script")
	}

	return &Engine{
		scripts: make(map[string]*entry),
		timeout: timeout,
		logger:  logger,
	}
}

// Set validates code and binds it to destination, replacing any previous
// script.
func (e *Engine) Set(destination, code string) error {
	if err := Validate(code); err != nil {
		return errors.Wrapf(err, "script for %s failed validation", destination)
	}
	p, err := compile(code)
	if err != nil {
		return err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.scripts[destination] = &entry{
		script: Script{
			Destination: destination,
			Code:        code,
			UpdatedAt:   time.Now(),
		},
		program: p,
	}
	e.logger.Infof("Set script for destination: %s", destination)
	return nil
}

func (e *Engine) Remove(destination string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, exists := e.scripts[destination]; !exists {
		return errors.Wrap(ErrScriptNotFound, destination)
	}
	delete(e.scripts, destination)
	e.logger.Infof("Removed script for destination: %s", destination)
	return nil
}

func (e *Engine) Get(destination string) (Script, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	s, exists := e.scripts[destination]
	if !exists {
		return Script{}, false
	}
	return s.script, true
}

// List returns every script sorted by destination.
func (e *Engine) List() []Script {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	result := make([]Script, 0, len(e.scripts))
	for _, s := range e.scripts {
		result = append(result, s.script)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Destination < result[j].Destination })
	return result
}

// Process runs the script bound to in.Destination. ok is false when there is
// no script for the destination.
func (e *Engine) Process(in Input) (result Result, ok bool, err error) {
	e.mutex.RLock()
	s, exists := e.scripts[in.Destination]
	e.mutex.RUnlock()
	if !exists {
		return Result{}, false, nil
	}

	result, err = s.program.run(in, e.timeout)
	if err != nil {
		errType := "execution"
		if errors.Is(err, ErrTimeout) {
			errType = "timeout"
		}
		metrics.RecordScriptError(in.Destination, errType)
		e.logger.WithError(err).Warnf("Script for %s failed", in.Destination)
		return result, true, err
	}

	metrics.RecordScriptExecution(in.Destination, result.ExecutionTime.Seconds())
	for _, msg := range result.LogMessages {
		e.logger.WithField("destination", in.Destination).Debug(msg)
	}
	return result, true, nil
}
