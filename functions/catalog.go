// Package functions converts tool descriptors published by the tool service
// into the declarations each speech transport advertises to its model.
package functions

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"

	"github.com/room4-2/whisper-bridge/realtime"
	"github.com/room4-2/whisper-bridge/toolcall"
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Catalog is the set of tools available to a session.
type Catalog struct {
	tools []toolcall.Descriptor
}

// NewCatalog drops descriptors without a name and keeps the first of any
// duplicate.
func NewCatalog(descs []toolcall.Descriptor) *Catalog {
	seen := make(map[string]struct{}, len(descs))
	c := &Catalog{}
	for _, d := range descs {
		if d.Name == "" {
			continue
		}
		if _, dup := seen[d.Name]; dup {
			continue
		}
		seen[d.Name] = struct{}{}
		c.tools = append(c.tools, d)
	}
	return c
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

// Names lists tool names in catalog order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.tools))
	for i, d := range c.tools {
		names[i] = d.Name
	}
	return names
}

// RealtimeTools returns the tools block for a session.update.
func (c *Catalog) RealtimeTools() []realtime.Tool {
	if c.Len() == 0 {
		return nil
	}
	tools := make([]realtime.Tool, 0, len(c.tools))
	for _, d := range c.tools {
		tools = append(tools, realtime.Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schemaOrEmpty(d.InputSchema),
		})
	}
	return tools
}

// GeminiTools wraps every descriptor as a genai function declaration.
func (c *Catalog) GeminiTools() []*genai.Tool {
	if c.Len() == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(c.tools))
	for _, d := range c.tools {
		decl := &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
		}
		var schema map[string]any
		if err := sonic.Unmarshal(schemaOrEmpty(d.InputSchema), &schema); err == nil {
			decl.ParametersJsonSchema = schema
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 || string(schema) == "null" {
		return emptySchema
	}
	return schema
}
