// Package stream decodes chat response bodies into ordered events.
//
// A body is either a sequence of lines where frames carry the "data: "
// prefix, or a single JSON document. Decoding never fails: payloads that are
// not JSON become Plain events and JSON of an unknown shape is skipped.
//
// Frame payloads are matched against a fixed, ordered list of shapes; the
// first shape that matches decides the events for that frame:
//
//	{"type":"assistant","message":{"content":[...]}}   content blocks
//	{"tool_events":[...]}                             tool events
//	{"type":"result","result":"..."}                  final result text
//	{"content":"..."}                                 simple reply
package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// FramePrefix marks a frame line.
const FramePrefix = "data: "

// Decode splits body into lines and decodes every frame in order. When no
// line is a frame the whole body is decoded as one document.
func Decode(body string) []Event {
	var events []Event
	emit := func(e Event) { events = append(events, e) }

	framed := false
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := framePayload(line); ok {
			framed = true
			decodeFrame(payload, emit)
		}
	}
	if !framed {
		decodeDocument(body, emit)
	}
	return events
}

// framePayload returns the payload of a frame line.
func framePayload(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, FramePrefix) {
		return "", false
	}
	return line[len(FramePrefix):], true
}

type shape struct {
	match  func(gjson.Result) bool
	decode func(gjson.Result, func(Event))
}

// frameShapes is evaluated top to bottom; order is significant.
var frameShapes = []shape{
	{
		match: func(v gjson.Result) bool {
			return isString(v.Get("type"), "assistant") && truthy(v.Get("message.content"))
		},
		decode: func(v gjson.Result, emit func(Event)) {
			content := v.Get("message.content")
			if !content.IsArray() {
				return
			}
			for _, block := range content.Array() {
				decodeBlock(block, emit)
			}
		},
	},
	{
		match:  func(v gjson.Result) bool { return v.Get("tool_events").IsArray() },
		decode: decodeToolEvents,
	},
	{
		match: func(v gjson.Result) bool { return isString(v.Get("type"), "result") },
		decode: func(v gjson.Result, emit func(Event)) {
			if r := v.Get("result"); truthy(r) {
				emit(Text{Content: text(r)})
			}
		},
	},
	{
		match:  func(v gjson.Result) bool { return truthy(v.Get("content")) },
		decode: decodeContent,
	},
}

// documentShapes applies to bodies without any frame.
var documentShapes = []shape{
	frameShapes[1],
	frameShapes[3],
}

func decodeFrame(payload string, emit func(Event)) {
	if !gjson.Valid(payload) {
		if strings.TrimSpace(payload) != "" {
			emit(Plain{Content: payload})
		}
		return
	}
	matchShapes(frameShapes, gjson.Parse(payload), emit)
}

func decodeDocument(body string, emit func(Event)) {
	if !gjson.Valid(body) {
		if strings.TrimSpace(body) != "" {
			emit(Plain{Content: body})
		}
		return
	}
	matchShapes(documentShapes, gjson.Parse(body), emit)
}

func matchShapes(shapes []shape, v gjson.Result, emit func(Event)) {
	for _, s := range shapes {
		if s.match(v) {
			s.decode(v, emit)
			return
		}
	}
}

func decodeBlock(block gjson.Result, emit func(Event)) {
	switch block.Get("type").String() {
	case "text":
		emit(Text{Content: block.Get("text").String()})
	case "tool_use":
		emit(toolUse(block, block.Get("id").String()))
	case "tool_result":
		emit(toolResult(block))
	}
}

func decodeToolEvents(v gjson.Result, emit func(Event)) {
	for _, ev := range v.Get("tool_events").Array() {
		switch ev.Get("type").String() {
		case "tool_use":
			id := ev.Get("id").String()
			if id == "" {
				id = ev.Get("tool_use_id").String()
			}
			emit(toolUse(ev, id))
		case "tool_result":
			emit(toolResult(ev))
		}
	}
}

func decodeContent(v gjson.Result, emit func(Event)) {
	emit(Text{Content: text(v.Get("content"))})
}

func toolUse(v gjson.Result, id string) ToolUse {
	var input json.RawMessage
	if in := v.Get("input"); in.Exists() {
		input = json.RawMessage(in.Raw)
	}
	return ToolUse{Name: v.Get("name").String(), Input: input, ToolUseID: id}
}

func toolResult(v gjson.Result) ToolResult {
	return ToolResult{
		ToolUseID: v.Get("tool_use_id").String(),
		Content:   text(v.Get("content")),
		IsError:   v.Get("is_error").Bool(),
	}
}

// text returns strings unquoted and anything else as raw JSON.
func text(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Null:
		return ""
	default:
		return v.Raw
	}
}

func isString(v gjson.Result, want string) bool {
	return v.Type == gjson.String && v.Str == want
}

// truthy follows JSON-in-JavaScript truthiness: missing, null, false, 0 and
// "" are false.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.String:
		return v.Str != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}
