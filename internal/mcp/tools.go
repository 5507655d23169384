package mcp

import (
	"strings"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
	"github.com/fleetbridge/fleetbridge/internal/fleet/registry"
)

// guiTools are the tools that drive the interactive desktop and therefore
// refuse to run behind a locked screen.
var guiTools = map[string]bool{
	"screenshot":    true,
	"click":         true,
	"typeText":      true,
	"pressKey":      true,
	"ocr":           true,
	"getUIElements": true,
	"moveMouse":     true,
	"scroll":        true,
}

// isGUITool reports whether a bare (un-prefixed) tool name drives the
// desktop.
func isGUITool(name string) bool { return guiTools[name] }

// catalogEntry maps one public tool name to the sink that serves it.
type catalogEntry struct {
	PublicName string
	ToolName   string // the agent-side name
	Tool       model.Tool
	Sink       registry.CommandSink
}

// buildCatalog computes the published tool union for a set of sinks. A tool
// name keeps its bare form unless two agents export it, in which case every
// instance is prefixed "{hostname}__{tool}".
func buildCatalog(sinks []registry.CommandSink) []catalogEntry {
	counts := map[string]int{}
	for _, s := range sinks {
		for _, t := range s.Tools() {
			counts[t.Name]++
		}
	}

	var entries []catalogEntry
	for _, s := range sinks {
		for _, t := range s.Tools() {
			name := t.Name
			if counts[t.Name] > 1 {
				name = s.Hostname() + "__" + t.Name
			}
			entries = append(entries, catalogEntry{
				PublicName: name,
				ToolName:   t.Name,
				Tool:       t,
				Sink:       s,
			})
		}
	}
	return entries
}

// resolveTool finds the sink and agent-side name for a public tool name.
// Both the prefixed and, when unambiguous, the bare form resolve.
func resolveTool(sinks []registry.CommandSink, publicName string) (registry.CommandSink, string, bool) {
	entries := buildCatalog(sinks)
	for _, e := range entries {
		if e.PublicName == publicName {
			return e.Sink, e.ToolName, true
		}
	}
	// A client may still send "{hostname}__{tool}" when the name was
	// published bare, or vice versa after the fleet changed underneath it.
	if host, bare, ok := splitPrefixed(publicName); ok {
		for _, e := range entries {
			if e.ToolName == bare && e.Sink.Hostname() == host {
				return e.Sink, e.ToolName, true
			}
		}
	}
	return nil, "", false
}

func splitPrefixed(name string) (host, tool string, ok bool) {
	i := strings.Index(name, "__")
	if i <= 0 || i+2 >= len(name) {
		return "", "", false
	}
	return name[:i], name[i+2:], true
}
