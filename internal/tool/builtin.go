package tool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"codescout/internal/embedding"
	"codescout/internal/types"
	"codescout/internal/vector"
)

// grepMatchLimit caps grep output so one broad pattern cannot flood the
// conversation.
const grepMatchLimit = 50

// readFileLimit caps how much of a file a single read returns.
const readFileLimit = 32 * 1024

// BuiltinDeps wires the built-in local tools.
type BuiltinDeps struct {
	Root     string
	Store    *vector.Store
	Embedder embedding.Engine
	Reranker *embedding.Reranker
}

// RegisterBuiltins installs the standard local tool set: semantic_search,
// grep, read_file, and list_dir.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	defs := []*Definition{
		semanticSearchTool(deps),
		grepTool(deps.Root),
		readFileTool(deps.Root),
		listDirTool(deps.Root),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// =============================================================================
// SEMANTIC SEARCH
// =============================================================================

func semanticSearchTool(deps BuiltinDeps) *Definition {
	return &Definition{
		Name:        "semantic_search",
		Description: "Searches the indexed code summaries and learning records by meaning.",
		Mode:        ModeLocal,
		Params: map[string]ParamSpec{
			"query": {Type: "string", Required: true, Description: "natural-language search query"},
			"top_k": {Type: "number", Default: 5, Description: "maximum results"},
			"type":  {Type: "string", Description: "restrict to a fragment type, e.g. code_summary"},
		},
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			if deps.Store == nil || deps.Embedder == nil {
				return nil, fmt.Errorf("semantic search is not available: no index")
			}
			query := params["query"].(string)
			topK := intParam(params, "top_k", 5)

			vec, err := deps.Embedder.Embed(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("embed query: %w", err)
			}
			var filter map[string]string
			if t, ok := params["type"].(string); ok && t != "" {
				filter = map[string]string{vector.MetaType: t}
			}
			results, err := deps.Store.Search(ctx, projectKey, vec, topK, filter)
			if err != nil {
				return nil, fmt.Errorf("search: %w", err)
			}
			results = rerankResults(ctx, deps.Reranker, query, results, topK)

			if len(results) == 0 {
				return &types.ToolResult{
					Success:      true,
					Data:         "No matching fragments.",
					DisplayTitle: "semantic search (0 results)",
				}, nil
			}

			var b strings.Builder
			var paths []string
			for _, res := range results {
				f := res.Fragment
				fmt.Fprintf(&b, "## %s (score %.3f)\n%s\n\n", f.Title, res.Score, f.Content)
				if p := f.Metadata["path"]; p != "" {
					paths = append(paths, p)
				}
			}
			return &types.ToolResult{
				Success:          true,
				Data:             b.String(),
				DisplayTitle:     fmt.Sprintf("semantic search (%d results)", len(results)),
				RelatedFilePaths: paths,
			}, nil
		},
	}
}

// rerankResults re-orders search hits by cross-encoder relevance when a
// reranker is wired. Degrades to the input order.
func rerankResults(ctx context.Context, rr *embedding.Reranker, query string, results []vector.SearchResult, topK int) []vector.SearchResult {
	if rr == nil || len(results) < 2 {
		return results
	}
	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Fragment.Title + "\n" + res.Fragment.Content
	}
	order, err := rr.Rerank(ctx, query, docs, topK)
	if err != nil {
		return results
	}
	out := make([]vector.SearchResult, 0, len(order))
	for _, idx := range order {
		out = append(out, results[idx])
	}
	return out
}

// =============================================================================
// FILESYSTEM TOOLS
// =============================================================================

func grepTool(root string) *Definition {
	return &Definition{
		Name:        "grep",
		Description: "Searches file contents under the project root with a regular expression.",
		Mode:        ModeLocal,
		Params: map[string]ParamSpec{
			"pattern": {Type: "string", Required: true, Description: "Go regular expression"},
			"path":    {Type: "string", Default: ".", Description: "subdirectory to search"},
		},
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			re, err := regexp.Compile(params["pattern"].(string))
			if err != nil {
				return nil, fmt.Errorf("%w: bad pattern: %v", types.ErrValidation, err)
			}
			dir, err := resolveUnder(root, params["path"].(string))
			if err != nil {
				return nil, err
			}

			var b strings.Builder
			var paths []string
			matches := 0
			err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				name := d.Name()
				if d.IsDir() {
					if path != dir && strings.HasPrefix(name, ".") {
						return filepath.SkipDir
					}
					return nil
				}
				if matches >= grepMatchLimit {
					return filepath.SkipAll
				}
				content, err := os.ReadFile(path)
				if err != nil || !utf8Like(content) {
					return nil
				}
				rel, _ := filepath.Rel(root, path)
				rel = filepath.ToSlash(rel)
				for i, line := range strings.Split(string(content), "\n") {
					if re.MatchString(line) {
						fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
						paths = append(paths, rel)
						matches++
						if matches >= grepMatchLimit {
							break
						}
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			if matches == 0 {
				return &types.ToolResult{Success: true, Data: "No matches."}, nil
			}
			if matches >= grepMatchLimit {
				fmt.Fprintf(&b, "(stopped at %d matches)\n", grepMatchLimit)
			}
			return &types.ToolResult{
				Success:          true,
				Data:             b.String(),
				DisplayTitle:     fmt.Sprintf("grep (%d matches)", matches),
				RelatedFilePaths: dedupe(paths),
			}, nil
		},
	}
}

func readFileTool(root string) *Definition {
	return &Definition{
		Name:        "read_file",
		Description: "Reads one file relative to the project root.",
		Mode:        ModeLocal,
		Params: map[string]ParamSpec{
			"path": {Type: "string", Required: true, Description: "file path relative to the project root"},
		},
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			rel := params["path"].(string)
			path, err := resolveUnder(root, rel)
			if err != nil {
				return nil, err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			truncated := false
			if len(content) > readFileLimit {
				content = content[:readFileLimit]
				truncated = true
			}
			data := string(content)
			if truncated {
				data += "\n(truncated)"
			}
			return &types.ToolResult{
				Success:          true,
				Data:             data,
				DisplayTitle:     rel,
				RelativePath:     filepath.ToSlash(rel),
				RelatedFilePaths: []string{filepath.ToSlash(rel)},
			}, nil
		},
	}
}

func listDirTool(root string) *Definition {
	return &Definition{
		Name:        "list_dir",
		Description: "Lists entries of one directory relative to the project root.",
		Mode:        ModeLocal,
		Params: map[string]ParamSpec{
			"path": {Type: "string", Default: ".", Description: "directory path relative to the project root"},
		},
		Handler: func(ctx context.Context, projectKey string, params map[string]interface{}) (*types.ToolResult, error) {
			dir, err := resolveUnder(root, params["path"].(string))
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, err
			}
			var b strings.Builder
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".") {
					continue
				}
				if e.IsDir() {
					b.WriteString(e.Name() + "/\n")
				} else {
					b.WriteString(e.Name() + "\n")
				}
			}
			return &types.ToolResult{Success: true, Data: b.String()}, nil
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveUnder joins rel to root and rejects escapes above it.
func resolveUnder(root, rel string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(rel))
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path %q escapes the project root", types.ErrValidation, rel)
	}
	return abs, nil
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// utf8Like filters out binaries by scanning the head for NUL bytes.
func utf8Like(content []byte) bool {
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}
	for _, b := range head {
		if b == 0 {
			return false
		}
	}
	return true
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
