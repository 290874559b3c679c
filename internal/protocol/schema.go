package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ParamSpec lists the parameters an action kind accepts.
type ParamSpec struct {
	Required []string
	Optional []string
	// AllowEmpty names required parameters that may be present but empty.
	AllowEmpty []string
}

// Names returns required then optional parameter names.
func (s ParamSpec) Names() []string {
	out := make([]string, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	return append(out, s.Optional...)
}

var paramSpecs = map[ActionKind]ParamSpec{
	ActionReadFile:            {Required: []string{"path"}},
	ActionWriteFile:           {Required: []string{"path", "content"}, AllowEmpty: []string{"content"}},
	ActionReplaceInFile:       {Required: []string{"path", "diff"}},
	ActionListFiles:           {Required: []string{"path"}, Optional: []string{"recursive"}},
	ActionListCodeDefinitions: {Required: []string{"path"}},
	ActionSearchFiles:         {Required: []string{"path", "regex"}, Optional: []string{"file_pattern"}},
	ActionExecuteCommand:      {Required: []string{"command"}, Optional: []string{"requires_approval"}},
	ActionUseBrowser:          {Required: []string{"action"}, Optional: []string{"url", "coordinate", "text"}},
	ActionUseMCP:              {Required: []string{"server_name"}, Optional: []string{"tool_name", "arguments", "uri"}},
	ActionAskFollowup:         {Required: []string{"question"}},
	ActionAttemptCompletion:   {Required: []string{"result"}, Optional: []string{"command"}},
}

// tagAliases maps alternative block names onto kinds.
var tagAliases = map[string]ActionKind{
	"write_to_file":       ActionWriteFile,
	"browser_action":      ActionUseBrowser,
	"use_mcp_tool":        ActionUseMCP,
	"access_mcp_resource": ActionUseMCP,
}

// SpecFor returns the parameter spec of a kind.
func SpecFor(kind ActionKind) (ParamSpec, bool) {
	spec, ok := paramSpecs[kind]
	return spec, ok
}

// KindForTag resolves a block tag name to its kind.
func KindForTag(tag string) (ActionKind, bool) {
	if kind := ActionKind(tag); kind.Valid() {
		return kind, true
	}
	kind, ok := tagAliases[tag]
	return kind, ok
}

// ActionTags returns every tag that opens an action block.
func ActionTags() []string {
	tags := make([]string, 0, len(paramSpecs)+len(tagAliases))
	for _, kind := range ActionKinds() {
		tags = append(tags, string(kind))
	}
	for alias := range tagAliases {
		tags = append(tags, alias)
	}
	return tags
}

// IsParamOf reports whether name is a parameter accepted by kind.
func IsParamOf(kind ActionKind, name string) bool {
	spec, ok := paramSpecs[kind]
	if !ok {
		return false
	}
	for _, n := range spec.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// BrowserActions enumerates the accepted use_browser actions.
var BrowserActions = []string{"launch", "click", "type", "scroll_down", "scroll_up", "close"}

// MissingParamError is returned when a required parameter is absent.
func MissingParamError(name string) *Error {
	return Errorf(KindProtocolMalformed, "missing_param", "missing value for required parameter '%s'", name)
}

// Validate checks that a request is well-formed for its kind.
func Validate(req *ActionRequest) error {
	if req == nil {
		return Errorf(KindProtocolMalformed, "empty", "empty action request")
	}
	spec, ok := paramSpecs[req.Kind]
	if !ok {
		return Errorf(KindProtocolMalformed, "unknown_kind", "unknown action kind %q", req.Kind)
	}
	if req.Partial {
		return Errorf(KindProtocolMalformed, "incomplete", "incomplete %s block: the response ended before </%s>", req.Kind, req.Kind)
	}

	for _, name := range spec.Required {
		if !req.HasParam(name) {
			return MissingParamError(name)
		}
		if strings.TrimSpace(req.Params[name]) == "" && !contains(spec.AllowEmpty, name) {
			return MissingParamError(name)
		}
	}

	switch req.Kind {
	case ActionSearchFiles:
		if _, err := regexp.Compile(req.Params["regex"]); err != nil {
			return NewError(KindProtocolMalformed, "invalid_param", "invalid regex", err)
		}
	case ActionListFiles:
		if err := validateBool(req, "recursive"); err != nil {
			return err
		}
	case ActionExecuteCommand:
		if err := validateBool(req, "requires_approval"); err != nil {
			return err
		}
	case ActionUseBrowser:
		return validateBrowser(req)
	case ActionUseMCP:
		return validateMCP(req)
	}
	return nil
}

func validateBool(req *ActionRequest, name string) error {
	v := strings.TrimSpace(req.Param(name))
	if v == "" {
		return nil
	}
	if _, err := strconv.ParseBool(v); err != nil {
		return Errorf(KindProtocolMalformed, "invalid_param", "parameter '%s' must be true or false, got %q", name, v)
	}
	return nil
}

func validateBrowser(req *ActionRequest) error {
	action := strings.TrimSpace(req.Param("action"))
	if !contains(BrowserActions, action) {
		return Errorf(KindProtocolMalformed, "invalid_param", "parameter 'action' must be one of %s, got %q", strings.Join(BrowserActions, ", "), action)
	}
	switch action {
	case "launch":
		raw := strings.TrimSpace(req.Param("url"))
		if raw == "" {
			return MissingParamError("url")
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return Errorf(KindProtocolMalformed, "invalid_param", "parameter 'url' must be an absolute URL, got %q", raw)
		}
	case "click":
		if strings.TrimSpace(req.Param("coordinate")) == "" {
			return MissingParamError("coordinate")
		}
		if _, _, err := ParseCoordinate(req.Param("coordinate")); err != nil {
			return NewError(KindProtocolMalformed, "invalid_param", "invalid coordinate", err)
		}
	case "type":
		if req.Param("text") == "" {
			return MissingParamError("text")
		}
	}
	return nil
}

func validateMCP(req *ActionRequest) error {
	tool := strings.TrimSpace(req.Param("tool_name"))
	uri := strings.TrimSpace(req.Param("uri"))
	if tool == "" && uri == "" {
		return MissingParamError("tool_name")
	}
	if raw := strings.TrimSpace(req.Param("arguments")); raw != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return NewError(KindProtocolMalformed, "invalid_param", "parameter 'arguments' must be a JSON object", err)
		}
	}
	return nil
}

// ParseCoordinate parses an "x,y" pixel coordinate.
func ParseCoordinate(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("coordinate %q is not in x,y form", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("coordinate x: %w", err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("coordinate y: %w", err)
	}
	return x, y, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
