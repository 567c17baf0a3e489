// Package command exposes engine operations as named commands with fixed
// input shapes. Every outcome, including engine failures, is reported in a
// Response.
package command

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/naok1207/workflow-visualizer/pkg/service"
	"github.com/naok1207/workflow-visualizer/pkg/templates"
	"github.com/pkg/errors"
)

// Kind reported for names that resolve to no command.
const KindUnknownCommand = "unknown_command"

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Response is the result of one command.
type Response struct {
	OK    bool         `json:"ok"`
	Data  interface{}  `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Param documents one input field.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// Definition describes a command for listings and help output.
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

type handler struct {
	def Definition
	run func(ctx context.Context, raw json.RawMessage) (interface{}, error)
}

// Deps wires the dispatcher to the engine. Store, Subscribers and Record are
// optional.
type Deps struct {
	Workflows   *service.WorkflowService
	Tasks       *service.TaskService
	Templates   *templates.Registry
	Store       Pinger
	Subscribers func() int
	Record      func(name, outcome string, d time.Duration)
	Logger      Logger
	Clock       clock.Clock
	Version     string
}

type Dispatcher struct {
	deps     Deps
	started  time.Time
	handlers map[string]handler
}

func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Templates == nil {
		deps.Templates = templates.Default()
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	d := &Dispatcher{
		deps:     deps,
		started:  deps.Clock.Now(),
		handlers: make(map[string]handler),
	}
	d.register()
	return d
}

// Has reports whether name is a known command.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.handlers[name]
	return ok
}

// Definitions lists every command, sorted by name.
func (d *Dispatcher) Definitions() []Definition {
	defs := make([]Definition, 0, len(d.handlers))
	for _, h := range d.handlers {
		defs = append(defs, h.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named command with raw JSON arguments.
func (d *Dispatcher) Execute(ctx context.Context, name string, raw json.RawMessage) Response {
	start := d.deps.Clock.Now()
	h, ok := d.handlers[name]
	if !ok {
		d.record(name, KindUnknownCommand, start)
		return Response{Error: &ErrorDetail{Kind: KindUnknownCommand, Message: "unknown command " + name}}
	}

	data, err := h.run(ctx, raw)
	if err != nil {
		kind := service.KindOf(err)
		if kind == service.KindInternal {
			d.deps.Logger.Errorf("Command %s failed: %v", name, err)
		} else {
			d.deps.Logger.Infof("Command %s rejected (%s): %v", name, kind, err)
		}
		d.record(name, string(kind), start)
		return Response{Error: &ErrorDetail{Kind: string(kind), Message: message(err)}}
	}
	d.record(name, "ok", start)
	return Response{OK: true, Data: data}
}

func (d *Dispatcher) record(name, outcome string, start time.Time) {
	if d.deps.Record != nil {
		d.deps.Record(name, outcome, d.deps.Clock.Since(start))
	}
}

// message hides internal causes from the caller.
func message(err error) string {
	var e *service.Error
	if errors.As(err, &e) && e.Kind != service.KindInternal {
		return e.Message
	}
	return "internal error"
}

func (d *Dispatcher) add(def Definition, run func(ctx context.Context, raw json.RawMessage) (interface{}, error)) {
	d.handlers[def.Name] = handler{def: def, run: run}
}
