package executor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/iambrandonn/satto/internal/fsutil"
	"github.com/iambrandonn/satto/internal/protocol"
)

// maxDefinitionFiles bounds how many files one listing parses.
const maxDefinitionFiles = 50

type grammar struct {
	language *sitter.Language
	// defs are node types reported as definitions.
	defs map[string]bool
	// containers are node types whose body holds nested definitions.
	containers map[string]bool
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var (
	jsDefs = set("function_declaration", "generator_function_declaration", "class_declaration", "method_definition",
		"interface_declaration", "type_alias_declaration", "enum_declaration", "abstract_class_declaration")
	jsContainers = set("class_declaration", "abstract_class_declaration", "class_body", "export_statement")
)

var grammars = map[string]grammar{
	".go": {
		language:   golang.GetLanguage(),
		defs:       set("function_declaration", "method_declaration", "type_declaration"),
		containers: set(),
	},
	".py": {
		language:   python.GetLanguage(),
		defs:       set("class_definition", "function_definition"),
		containers: set("class_definition", "block", "decorated_definition"),
	},
	".js":  {language: javascript.GetLanguage(), defs: jsDefs, containers: jsContainers},
	".jsx": {language: javascript.GetLanguage(), defs: jsDefs, containers: jsContainers},
	".ts":  {language: typescript.GetLanguage(), defs: jsDefs, containers: jsContainers},
	".tsx": {language: tsx.GetLanguage(), defs: jsDefs, containers: jsContainers},
	".rs": {
		language:   rust.GetLanguage(),
		defs:       set("function_item", "struct_item", "enum_item", "trait_item", "impl_item", "mod_item", "type_item"),
		containers: set("impl_item", "trait_item", "declaration_list"),
	},
}

// Definition is one top-level (or class member) definition.
type Definition struct {
	Line int
	Text string
}

// ParseDefinitions returns the definitions in src, using ext to pick the
// grammar. ok is false when the extension is not supported.
func ParseDefinitions(ctx context.Context, ext string, src []byte) ([]Definition, bool, error) {
	g, ok := grammars[strings.ToLower(ext)]
	if !ok {
		return nil, false, nil
	}
	parser := sitter.NewParser()
	parser.SetLanguage(g.language)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, true, err
	}
	defer tree.Close()

	lines := strings.Split(string(src), "\n")
	var defs []Definition
	collectDefinitions(tree.RootNode(), g, lines, 0, &defs)
	return defs, true, nil
}

func collectDefinitions(node *sitter.Node, g grammar, lines []string, depth int, defs *[]Definition) {
	if depth > 3 {
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		kind := child.Type()
		if g.defs[kind] {
			row := int(child.StartPoint().Row)
			if row < len(lines) {
				*defs = append(*defs, Definition{Line: row + 1, Text: strings.TrimRight(lines[row], " \t\r")})
			}
		}
		if g.containers[kind] {
			if body := child.ChildByFieldName("body"); body != nil {
				collectDefinitions(body, g, lines, depth+1, defs)
			} else {
				collectDefinitions(child, g, lines, depth+1, defs)
			}
		}
	}
}

func (e *Executor) listDefinitions(ctx context.Context, req *protocol.ActionRequest) (output, error) {
	dir, err := e.resolve(req.Param("path"))
	if err != nil {
		return output{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return output{}, failuref("not_found", "directory not found: %s", req.Param("path"))
		}
		return output{}, failure("io", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	parsed := 0
	for _, entry := range entries {
		if entry.IsDir() || parsed >= maxDefinitionFiles {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if _, ok := grammars[strings.ToLower(ext)]; !ok {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parsed++
		defs, _, err := ParseDefinitions(ctx, ext, src)
		if err != nil {
			if ctx.Err() != nil {
				return output{}, ctx.Err()
			}
			e.logger.Debug("definition parse failed", "path", path, "error", err)
			continue
		}
		if len(defs) == 0 {
			continue
		}
		b.WriteString(fsutil.RelativeTo(e.opts.Root, path))
		b.WriteString("\n")
		for _, d := range defs {
			b.WriteString("│----\n│")
			b.WriteString(d.Text)
			b.WriteString("\n")
		}
		b.WriteString("│----\n\n")
	}

	text := strings.TrimRight(b.String(), "\n")
	if text == "" {
		text = "No source code definitions found."
	}
	return output{text: text, data: map[string]any{"files_parsed": parsed}}, nil
}
