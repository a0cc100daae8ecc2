package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameKind tags the normalized form of an inbound message.
type FrameKind string

const (
	FrameAnnounce     FrameKind = "announce"
	FrameSelectTool   FrameKind = "select_tool"
	FrameAuthenticate FrameKind = "authenticate"
	FrameRead         FrameKind = "read"
	FrameWrite        FrameKind = "write"
	FrameRaw          FrameKind = "raw"
)

// Frame is the single internal shape every inbound message is normalized
// into before any handler runs. Three wire encodings feed it: the compact
// array form ["<id>","<action>",{...}], the structured {"method","params"}
// form, and the legacy announce object. Anything else becomes FrameRaw with
// the original payload preserved for the echo reply.
type Frame struct {
	Kind         FrameKind
	Sender       string
	Tool         string
	Name         string
	Capabilities map[string]string
	AgentID      string
	Body         string
	Cursor       string
	Limit        int
	Payload      json.RawMessage
}

type framePayload struct {
	Tool         string         `json:"tool"`
	Name         string         `json:"name"`
	Capabilities map[string]any `json:"capabilities"`
	AgentID      string         `json:"agent_id"`
	Context      string         `json:"context"`
	Cursor       string         `json:"cursor"`
	Limit        int            `json:"limit"`
}

type methodEnvelope struct {
	Method string       `json:"method"`
	Params framePayload `json:"params"`
	Type   string       `json:"type"`

	// Legacy announce carries its fields at the top level.
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	Capabilities map[string]any `json:"capabilities"`
}

// ParseFrame normalizes one raw text message. It never returns an error:
// input that fits no known shape comes back as a FrameRaw carrying the
// payload verbatim.
func ParseFrame(data []byte) Frame {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if f, ok := parseArray([]byte(trimmed)); ok {
			return f
		}
		return rawFrame(data)
	}

	var env methodEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return rawFrame(data)
	}

	switch env.Method {
	case "ReadDB":
		return Frame{
			Kind:    FrameRead,
			AgentID: env.Params.AgentID,
			Cursor:  env.Params.Cursor,
			Limit:   env.Params.Limit,
		}
	case "WriteDB":
		return Frame{
			Kind:    FrameWrite,
			AgentID: env.Params.AgentID,
			Body:    env.Params.Context,
		}
	}

	if env.Type == "announce" {
		return Frame{
			Kind:         FrameAnnounce,
			AgentID:      env.AgentID,
			Name:         env.Name,
			Capabilities: stringifyCaps(env.Capabilities),
		}
	}

	return rawFrame(data)
}

func parseArray(data []byte) (Frame, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 || len(parts) > 3 {
		return Frame{}, false
	}

	var sender, action string
	if err := json.Unmarshal(parts[0], &sender); err != nil {
		return Frame{}, false
	}
	if err := json.Unmarshal(parts[1], &action); err != nil {
		return Frame{}, false
	}

	var p framePayload
	if len(parts) == 3 {
		if err := json.Unmarshal(parts[2], &p); err != nil {
			return Frame{}, false
		}
	}

	f := Frame{
		Sender:       sender,
		Tool:         p.Tool,
		Name:         p.Name,
		Capabilities: stringifyCaps(p.Capabilities),
		AgentID:      p.AgentID,
		Body:         p.Context,
		Cursor:       p.Cursor,
		Limit:        p.Limit,
	}

	switch action {
	case "select_tool":
		f.Kind = FrameSelectTool
	case "authenticate":
		f.Kind = FrameAuthenticate
	case "read":
		f.Kind = FrameRead
	case "write":
		f.Kind = FrameWrite
	case "announce":
		f.Kind = FrameAnnounce
	default:
		return Frame{}, false
	}
	return f, true
}

func rawFrame(data []byte) Frame {
	payload := make(json.RawMessage, len(data))
	copy(payload, data)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(data))
		payload = quoted
	}
	return Frame{Kind: FrameRaw, Payload: payload}
}

func stringifyCaps(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
