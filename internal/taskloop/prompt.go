package taskloop

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/iambrandonn/satto/internal/protocol"
)

// RulesFile holds per-workspace instructions appended to the system prompt.
const RulesFile = ".sattorules"

// PromptOptions describe the capabilities offered to the model.
type PromptOptions struct {
	Root       string
	Shell      string
	Browser    bool
	MCPServers []string
}

type toolDoc struct {
	kind        protocol.ActionKind
	description string
	params      []string
	example     string
}

var toolDocs = []toolDoc{
	{
		kind:        protocol.ActionExecuteCommand,
		description: "Run a CLI command in the workspace root. Set requires_approval to true for commands with side effects the user should confirm, such as installing packages or deleting files.",
		params:      []string{"command: (required) the command line to run", "requires_approval: (optional) true or false"},
		example:     "<execute_command>\n<command>go test ./...</command>\n<requires_approval>false</requires_approval>\n</execute_command>",
	},
	{
		kind:        protocol.ActionReadFile,
		description: "Read the contents of a file.",
		params:      []string{"path: (required) path relative to the workspace root"},
		example:     "<read_file>\n<path>src/main.go</path>\n</read_file>",
	},
	{
		kind:        protocol.ActionWriteFile,
		description: "Write a complete file, creating it and any missing directories. Always provide the full content.",
		params:      []string{"path: (required) path relative to the workspace root", "content: (required) the full file content"},
		example:     "<write_file>\n<path>notes.md</path>\n<content>\n# Notes\n</content>\n</write_file>",
	},
	{
		kind:        protocol.ActionReplaceInFile,
		description: "Edit part of a file with SEARCH/REPLACE blocks. Each SEARCH section must match the file exactly; blocks apply in file order.",
		params:      []string{"path: (required) path relative to the workspace root", "diff: (required) one or more SEARCH/REPLACE blocks"},
		example:     "<replace_in_file>\n<path>main.go</path>\n<diff>\n<<<<<<< SEARCH\nfmt.Println(\"hi\")\n=======\nfmt.Println(\"hello\")\n>>>>>>> REPLACE\n</diff>\n</replace_in_file>",
	},
	{
		kind:        protocol.ActionSearchFiles,
		description: "Regex search across files in a directory, with one line of context around each match.",
		params:      []string{"path: (required) directory to search", "regex: (required) RE2 regular expression", "file_pattern: (optional) glob such as *.go"},
		example:     "<search_files>\n<path>.</path>\n<regex>TODO</regex>\n<file_pattern>*.go</file_pattern>\n</search_files>",
	},
	{
		kind:        protocol.ActionListFiles,
		description: "List files and directories. Directories end with a slash.",
		params:      []string{"path: (required) directory to list", "recursive: (optional) true to list recursively"},
		example:     "<list_files>\n<path>src</path>\n<recursive>true</recursive>\n</list_files>",
	},
	{
		kind:        protocol.ActionListCodeDefinitions,
		description: "List top-level definitions (functions, types, classes, methods) in the source files directly inside a directory.",
		params:      []string{"path: (required) directory to inspect"},
		example:     "<list_code_definition_names>\n<path>internal/server</path>\n</list_code_definition_names>",
	},
	{
		kind:        protocol.ActionUseBrowser,
		description: "Drive a headless browser. Start with launch and end with close; between them you may click, type and scroll. Each step returns the page URL and console output.",
		params:      []string{"action: (required) launch, click, type, scroll_down, scroll_up or close", "url: (launch) absolute URL", "coordinate: (click) x,y in pixels", "text: (type) text to type"},
		example:     "<use_browser>\n<action>launch</action>\n<url>http://localhost:3000</url>\n</use_browser>",
	},
	{
		kind:        protocol.ActionUseMCP,
		description: "Call a tool or read a resource on a connected MCP server.",
		params:      []string{"server_name: (required) server name", "tool_name: (tool call) tool to invoke", "arguments: (tool call) JSON object of arguments", "uri: (resource read) resource URI"},
		example:     "<use_mcp>\n<server_name>weather</server_name>\n<tool_name>forecast</tool_name>\n<arguments>{\"city\": \"Oslo\"}</arguments>\n</use_mcp>",
	},
	{
		kind:        protocol.ActionAskFollowup,
		description: "Ask the user a question when you cannot proceed without more information.",
		params:      []string{"question: (required) the question"},
		example:     "<ask_followup_question>\n<question>Which database should the migration target?</question>\n</ask_followup_question>",
	},
	{
		kind:        protocol.ActionAttemptCompletion,
		description: "Present the final result once the task is done. Only use it after every earlier action has succeeded.",
		params:      []string{"result: (required) description of what was done", "command: (optional) a command that demonstrates the result"},
		example:     "<attempt_completion>\n<result>Added the /health endpoint and its test.</result>\n</attempt_completion>",
	},
}

// SystemPrompt builds the instructions sent with every request.
func SystemPrompt(opts PromptOptions) string {
	var b strings.Builder
	b.WriteString("You are satto, a software engineering agent working in a local workspace. ")
	b.WriteString("You complete the user's task by using tools, one step at a time, and you see each tool's result before the next request.\n\n")

	b.WriteString("# Tool use\n\n")
	b.WriteString("Tools are written as XML-style blocks: the tool name is the outer tag and each parameter is an inner tag.\n")
	b.WriteString("You may use several tools in one response; they run in order and the remaining ones are skipped if one fails or is denied.\n\n")

	for _, doc := range toolDocs {
		if doc.kind == protocol.ActionUseBrowser && !opts.Browser {
			continue
		}
		if doc.kind == protocol.ActionUseMCP && len(opts.MCPServers) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\nParameters:\n", doc.kind, doc.description)
		for _, p := range doc.params {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		fmt.Fprintf(&b, "Usage:\n%s\n\n", doc.example)
	}

	if len(opts.MCPServers) > 0 {
		b.WriteString("# Connected MCP servers\n\n")
		for _, name := range opts.MCPServers {
			fmt.Fprintf(&b, "- %s\n", name)
		}
		b.WriteString("\n")
	}

	b.WriteString("# Rules\n\n")
	fmt.Fprintf(&b, "- The workspace root is %s. Paths are relative to it and may not leave it.\n", opts.Root)
	b.WriteString("- Every response must use at least one tool.\n")
	b.WriteString("- Use ask_followup_question only when the information cannot be found with the other tools.\n")
	b.WriteString("- Finish with attempt_completion. Do not end the result with a question.\n\n")

	b.WriteString("# System information\n\n")
	fmt.Fprintf(&b, "Operating system: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if opts.Shell != "" {
		fmt.Fprintf(&b, "Shell: %s\n", opts.Shell)
	}
	fmt.Fprintf(&b, "Working directory: %s\n", opts.Root)

	if rules := readRules(opts.Root); rules != "" {
		fmt.Fprintf(&b, "\n# %s\n\nThe following is provided by a root-level %s file where the user has specified instructions for this working directory (%s)\n\n%s\n",
			RulesFile, RulesFile, opts.Root, rules)
	}
	return b.String()
}

func readRules(root string) string {
	data, err := os.ReadFile(filepath.Join(root, RulesFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
