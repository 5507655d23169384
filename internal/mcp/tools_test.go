package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/registry"
)

type fakeSink struct {
	agentID  uuid.UUID
	ownerID  uuid.UUID
	hostname string
	tools    []model.Tool
	locked   bool
	power    model.PowerState

	executed []string
	result   json.RawMessage
	execErr  error
	woken    int
}

func newFakeSink(hostname string, toolNames ...string) *fakeSink {
	tools := make([]model.Tool, 0, len(toolNames))
	for _, n := range toolNames {
		tools = append(tools, model.Tool{Name: n})
	}
	return &fakeSink{
		agentID:  uuid.New(),
		ownerID:  uuid.New(),
		hostname: hostname,
		tools:    tools,
		power:    model.PowerActive,
		result:   json.RawMessage(`"ok"`),
	}
}

func (f *fakeSink) Execute(_ context.Context, tool string, _ json.RawMessage) (json.RawMessage, error) {
	f.executed = append(f.executed, tool)
	return f.result, f.execErr
}
func (f *fakeSink) Wake() error                  { f.woken++; return nil }
func (f *fakeSink) AgentID() uuid.UUID           { return f.agentID }
func (f *fakeSink) OwnerID() uuid.UUID           { return f.ownerID }
func (f *fakeSink) Hostname() string             { return f.hostname }
func (f *fakeSink) Tools() []model.Tool          { return f.tools }
func (f *fakeSink) ScreenLocked() bool           { return f.locked }
func (f *fakeSink) PowerState() model.PowerState { return f.power }

func TestBuildCatalog_bareNamesWithoutCollision(t *testing.T) {
	a := newFakeSink("alpha", "screenshot", "ocr")
	b := newFakeSink("beta", "compile")
	entries := buildCatalog([]registry.CommandSink{a, b})

	names := map[string]bool{}
	for _, e := range entries {
		names[e.PublicName] = true
	}
	for _, want := range []string{"screenshot", "ocr", "compile"} {
		if !names[want] {
			t.Errorf("missing bare name %q in %v", want, names)
		}
	}
}

func TestBuildCatalog_prefixesOnCollision(t *testing.T) {
	a := newFakeSink("alpha", "screenshot")
	b := newFakeSink("beta", "screenshot", "ocr")
	entries := buildCatalog([]registry.CommandSink{a, b})

	names := map[string]bool{}
	for _, e := range entries {
		names[e.PublicName] = true
	}
	if !names["alpha__screenshot"] || !names["beta__screenshot"] {
		t.Fatalf("colliding tool not prefixed: %v", names)
	}
	if names["screenshot"] {
		t.Fatal("colliding tool must not keep its bare name")
	}
	if !names["ocr"] {
		t.Fatal("non-colliding tool must stay bare")
	}
}

func TestResolveTool(t *testing.T) {
	a := newFakeSink("alpha", "screenshot")
	b := newFakeSink("beta", "screenshot", "ocr")
	sinks := []registry.CommandSink{a, b}

	sink, tool, ok := resolveTool(sinks, "beta__screenshot")
	if !ok || sink != registry.CommandSink(b) || tool != "screenshot" {
		t.Fatalf("prefixed resolve failed: %v %s %v", sink, tool, ok)
	}

	sink, tool, ok = resolveTool(sinks, "ocr")
	if !ok || sink != registry.CommandSink(b) || tool != "ocr" {
		t.Fatalf("bare resolve failed: %v %s %v", sink, tool, ok)
	}

	// Prefixed form of a bare-published tool still routes.
	sink, tool, ok = resolveTool(sinks, "beta__ocr")
	if !ok || tool != "ocr" {
		t.Fatalf("prefixed form of bare tool failed: %s %v", tool, ok)
	}

	if _, _, ok := resolveTool(sinks, "gamma__screenshot"); ok {
		t.Fatal("unknown host must not resolve")
	}
	if _, _, ok := resolveTool(sinks, "nonexistent"); ok {
		t.Fatal("unknown tool must not resolve")
	}
}

func TestIsGUITool(t *testing.T) {
	for _, name := range []string{"screenshot", "click", "typeText", "pressKey", "ocr", "getUIElements", "moveMouse", "scroll"} {
		if !isGUITool(name) {
			t.Errorf("%s must be a GUI tool", name)
		}
	}
	if isGUITool("compile") {
		t.Error("compile is not a GUI tool")
	}
}
