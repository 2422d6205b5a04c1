package workspace

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Message kinds on the realtime connection. Outbound kinds are produced by
// the engine; inbound kinds arrive from clients and are schema-checked
// before dispatch.
const (
	MsgInit           = "init"
	MsgJoin           = "join"
	MsgLeave          = "leave"
	MsgText           = "text"
	MsgExplorerUpdate = "explorer_update"
	MsgError          = "error"

	MsgCursorPosition   = "cursor_position"
	MsgDeleteFile       = "delete_file"
	MsgSetScroll        = "set_scroll_position"
	MsgSetTabForeground = "set_tab_foreground"
)

// Message is the single envelope used in both directions, mirroring the
// editor client's contract. FromSession carries the originating session id
// on broadcasts so each client can ignore echoes of its own actions.
type Message struct {
	Type          string         `json:"type"`
	Text          *string        `json:"text,omitempty"`
	Version       *int64         `json:"version,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	FromSession   string         `json:"fromSession,omitempty"`
	Path          string         `json:"path,omitempty"`
	Line          int            `json:"line,omitempty"`
	Column        int            `json:"column,omitempty"`
	Username      string         `json:"username,omitempty"`
	IsAdmin       *bool          `json:"isAdmin,omitempty"`
	TabForeground *int           `json:"is_tab_foreground,omitempty"`
	ErrorMessage  string         `json:"message,omitempty"`
	SessionCount  int            `json:"sessionCount,omitempty"`
	Sessions      []RichSession  `json:"sessions,omitempty"`
	ExplorerData  *ExplorerData  `json:"explorer_data,omitempty"`
	UIState       *Presence      `json:"ui_state,omitempty"`
}

// ExplorerData bundles everything a client needs to redraw its explorer
// panel: the visible tree, the live sessions, and who is looking at what.
type ExplorerData struct {
	VisibleNodes []VisibleNode         `json:"visible_nodes"`
	Sessions     []RichSession         `json:"sessions"`
	PathViewers  map[string][]Presence `json:"pathViewers"`
}

func marshalMessage(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

const inboundSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {
			"enum": ["text", "cursor_position", "delete_file", "set_scroll_position", "set_tab_foreground"]
		},
		"text": {"type": "string"},
		"version": {"type": "integer", "minimum": 0},
		"path": {"type": "string", "minLength": 1},
		"line": {"type": "integer", "minimum": 1},
		"column": {"type": "integer", "minimum": 1},
		"is_tab_foreground": {"enum": [0, 1]}
	},
	"allOf": [
		{"if": {"properties": {"type": {"const": "text"}}, "required": ["type"]},
		 "then": {"required": ["text", "version"]}},
		{"if": {"properties": {"type": {"const": "delete_file"}}, "required": ["type"]},
		 "then": {"required": ["path"]}},
		{"if": {"properties": {"type": {"const": "set_scroll_position"}}, "required": ["type"]},
		 "then": {"required": ["path"]}},
		{"if": {"properties": {"type": {"const": "cursor_position"}}, "required": ["type"]},
		 "then": {"required": ["line", "column"]}},
		{"if": {"properties": {"type": {"const": "set_tab_foreground"}}, "required": ["type"]},
		 "then": {"required": ["is_tab_foreground"]}}
	]
}`

var inboundSchema = mustCompileInboundSchema()

func mustCompileInboundSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("inbound schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.json", doc); err != nil {
		panic(fmt.Sprintf("inbound schema: %v", err))
	}
	return compiler.MustCompile("inbound.json")
}

// ParseInbound validates a raw client frame against the protocol schema and
// decodes it. A validation failure is a client bug, reported back over the
// connection as an error message rather than a disconnect.
func ParseInbound(raw []byte) (Message, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := inboundSchema.Validate(doc); err != nil {
		return Message{}, fmt.Errorf("invalid frame: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	return msg, nil
}
