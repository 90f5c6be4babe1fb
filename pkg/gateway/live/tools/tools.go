// Package tools executes the function calls the live model may issue during
// a session. Every tool here is a client-side screen action.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/vango-go/care-live/pkg/gateway/live/protocol"
	"github.com/vango-go/care-live/pkg/gateway/upstream"
)

const (
	SwitchToMainScreen         = "switch_to_main_screen"
	SwitchToMedicineScanScreen = "switch_to_medicine_scan_screen"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Action is a tool the model may call. Calling it tells the client to run
// the navigation named by Screen.
type Action struct {
	Name        string
	Description string
	Screen      string
	Message     string
}

var DefaultActions = []Action{
	{
		Name:        SwitchToMainScreen,
		Description: "Switch the app back to the main conversation screen.",
		Screen:      SwitchToMainScreen,
		Message:     "Switching to the main screen",
	},
	{
		Name:        SwitchToMedicineScanScreen,
		Description: "Open the camera screen so the user can scan a medicine package.",
		Screen:      SwitchToMedicineScanScreen,
		Message:     "Opening the medicine scan screen",
	},
}

type Result struct {
	CallID  string
	Name    string
	Status  string
	Payload map[string]any
}

// ClientSender delivers a JSON frame to the session's client.
type ClientSender interface {
	SendJSON(v any) error
}

// ResponseSender returns tool results to the upstream session.
type ResponseSender interface {
	SendToolResponses(ctx context.Context, responses []upstream.ToolResponse) error
}

type Config struct {
	Actions  []Action
	Client   ClientSender
	Upstream ResponseSender
	Logger   *slog.Logger
	Now      func() time.Time
}

type Dispatcher struct {
	byName   map[string]Action
	client   ClientSender
	upstream ResponseSender
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	actions := cfg.Actions
	if actions == nil {
		actions = DefaultActions
	}
	d := &Dispatcher{
		byName:   make(map[string]Action, len(actions)),
		client:   cfg.Client,
		upstream: cfg.Upstream,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	for _, a := range actions {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		d.byName[name] = a
	}
	return d
}

func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations lists the tools in the shape the upstream session expects.
func (d *Dispatcher) Declarations() []upstream.FunctionDeclaration {
	return Declarations(d.byName)
}

// Declarations for a set of actions, sorted by name.
func Declarations(actions map[string]Action) []upstream.FunctionDeclaration {
	out := make([]upstream.FunctionDeclaration, 0, len(actions))
	for _, a := range actions {
		out = append(out, upstream.FunctionDeclaration{Name: a.Name, Description: a.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultDeclarations returns the declarations for DefaultActions.
func DefaultDeclarations() []upstream.FunctionDeclaration {
	return New(Config{}).Declarations()
}

// Handle runs every call in the batch and returns one result per call. All
// results go back upstream in a single response; a failed send is logged
// and the results are still returned.
func (d *Dispatcher) Handle(ctx context.Context, calls []upstream.FunctionCall) []Result {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, d.execute(call))
	}

	responses := make([]upstream.ToolResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, upstream.ToolResponse{ID: r.CallID, Name: r.Name, Response: r.Payload})
	}
	if d.upstream != nil {
		if err := d.upstream.SendToolResponses(ctx, responses); err != nil {
			d.logger.Warn("send tool responses failed", "count", len(responses), "error", err)
		}
	}
	return results
}

func (d *Dispatcher) execute(call upstream.FunctionCall) Result {
	name := strings.TrimSpace(call.Name)
	action, ok := d.byName[name]
	if !ok {
		d.logger.Warn("unknown tool call", "function_name", call.Name, "function_id", call.ID)
		return Result{
			CallID:  call.ID,
			Name:    call.Name,
			Status:  StatusError,
			Payload: map[string]any{"status": StatusError, "error": fmt.Sprintf("unknown function %q", call.Name)},
		}
	}

	now := d.now()
	d.notify(protocol.NewToolCall(action.Name, call.ID, now))
	d.notify(protocol.NewScreenNavigation(action.Screen, action.Message, now))

	return Result{
		CallID:  call.ID,
		Name:    action.Name,
		Status:  StatusSuccess,
		Payload: map[string]any{"status": StatusSuccess, "message": action.Message},
	}
}

func (d *Dispatcher) notify(v any) {
	if d.client == nil {
		return
	}
	if err := d.client.SendJSON(v); err != nil {
		d.logger.Warn("send tool notification failed", "error", err)
	}
}
