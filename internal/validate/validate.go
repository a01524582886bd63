// Package validate performs static checks on synthesized routine source
// before it is deployed. Validation is AST-based: the source must parse,
// declare the expected package and entry point, and import only from the
// allowed set.
package validate

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"

	"metricsmith/internal/logging"
)

// PackageName is the package every synthesized routine must declare.
const PackageName = "routine"

// EntryName is the function every synthesized routine must export.
const EntryName = "Analyze"

// allowedImports is the set of packages routine source may import. The
// interpreter enforces the same set at load time; validation catches the
// violation earlier with position detail.
var allowedImports = map[string]bool{
	"fmt":           true,
	"strings":       true,
	"strconv":       true,
	"sort":          true,
	"math":          true,
	"time":          true,
	"errors":        true,
	"regexp":        true,
	"unicode":       true,
	"encoding/json": true,
	"tracker":       true,
}

// Issue is a single validation finding with its source position.
type Issue struct {
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", i.Line, i.Col, i.Message)
	}
	return i.Message
}

// Result aggregates validation findings. Any error makes the source
// undeployable; warnings are advisory.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *Result) errorf(pos token.Position, format string, args ...interface{}) {
	r.Errors = append(r.Errors, Issue{Line: pos.Line, Col: pos.Column, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(pos token.Position, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Issue{Line: pos.Line, Col: pos.Column, Message: fmt.Sprintf(format, args...)})
}

// Summary flattens errors into a single string for logs and error wrapping.
func (r *Result) Summary() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}

// Source validates synthesized routine source code.
func Source(src string) *Result {
	result := &Result{}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "routine.go", src, parser.AllErrors)
	if err != nil {
		result.Errors = append(result.Errors, parseIssues(err)...)
		if file == nil {
			return result
		}
	}

	if file.Name.Name != PackageName {
		result.errorf(fset.Position(file.Name.Pos()),
			"package must be %q, got %q", PackageName, file.Name.Name)
	}

	checkImports(fset, file, result)

	entry := findEntry(file)
	if entry == nil {
		result.errorf(token.Position{}, "missing entry function %s", EntryName)
	} else {
		checkEntrySignature(fset, entry, result)
		checkBody(fset, entry, result)
	}

	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		logging.SynthDebug("Validation failed: %s", result.Summary())
	}
	return result
}

// parseIssues converts parser errors, which carry their own positions, into
// issues.
func parseIssues(err error) []Issue {
	var list scanner.ErrorList
	if errors.As(err, &list) {
		issues := make([]Issue, 0, len(list))
		for _, e := range list {
			issues = append(issues, Issue{Line: e.Pos.Line, Col: e.Pos.Column, Message: e.Msg})
		}
		return issues
	}
	return []Issue{{Message: fmt.Sprintf("parse error: %v", err)}}
}

func checkImports(fset *token.FileSet, file *ast.File, result *Result) {
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			result.errorf(fset.Position(imp.Pos()), "malformed import %s", imp.Path.Value)
			continue
		}
		if !allowedImports[path] {
			result.errorf(fset.Position(imp.Pos()), "import %q is not allowed", path)
		}
	}
}

func findEntry(file *ast.File) *ast.FuncDecl {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		if fn.Name.Name == EntryName {
			return fn
		}
	}
	return nil
}

// checkEntrySignature enforces the entry contract:
//
//	func Analyze(targetKeys []string, timeWindow string, filters map[string]string) (map[string]interface{}, error)
func checkEntrySignature(fset *token.FileSet, fn *ast.FuncDecl, result *Result) {
	pos := fset.Position(fn.Pos())

	if fn.Type == nil {
		result.errorf(pos, "%s has no signature", EntryName)
		return
	}
	params := fn.Type.Params
	if params == nil || countFields(params) != 3 {
		result.errorf(pos, "%s must take exactly 3 parameters", EntryName)
		return
	}

	wantParams := []string{"[]string", "string", "map[string]string"}
	flat := flattenFields(params)
	for i, want := range wantParams {
		if got := typeString(flat[i]); got != want {
			result.errorf(pos, "%s parameter %d must be %s, got %s", EntryName, i+1, want, got)
		}
	}

	results := fn.Type.Results
	if results == nil || countFields(results) != 2 {
		result.errorf(pos, "%s must return (map[string]interface{}, error)", EntryName)
		return
	}
	flatRes := flattenFields(results)
	if got := typeString(flatRes[0]); got != "map[string]interface{}" && got != "map[string]any" {
		result.errorf(pos, "%s first return must be map[string]interface{}, got %s", EntryName, got)
	}
	if got := typeString(flatRes[1]); got != "error" {
		result.errorf(pos, "%s second return must be error, got %s", EntryName, got)
	}
}

// checkBody flags constructs that are legal but hostile to a long-running
// resolver, such as panics and process exits.
func checkBody(fset *token.FileSet, fn *ast.FuncDecl, result *Result) {
	// A partial parse can leave the declaration without a body.
	if fn.Body == nil {
		result.errorf(fset.Position(fn.Pos()), "%s has no body", EntryName)
		return
	}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch callName(call) {
		case "panic":
			result.warnf(fset.Position(call.Pos()), "routine calls panic, prefer returning an error")
		case "os.Exit":
			result.warnf(fset.Position(call.Pos()), "routine calls os.Exit, which would kill the resolver")
		}
		return true
	})
}

func callName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		if pkg, ok := fn.X.(*ast.Ident); ok {
			return pkg.Name + "." + fn.Sel.Name
		}
	}
	return ""
}

func countFields(list *ast.FieldList) int {
	n := 0
	for _, f := range list.List {
		if len(f.Names) == 0 {
			n++
		} else {
			n += len(f.Names)
		}
	}
	return n
}

// flattenFields expands grouped parameters like (a, b string) into one type
// expression per name.
func flattenFields(list *ast.FieldList) []ast.Expr {
	var out []ast.Expr
	for _, f := range list.List {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, f.Type)
		}
	}
	return out
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.ArrayType:
		if t.Len == nil {
			return "[]" + typeString(t.Elt)
		}
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.InterfaceType:
		if len(t.Methods.List) == 0 {
			return "interface{}"
		}
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	}
	return "<complex>"
}
