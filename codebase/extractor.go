package codebase

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// readmeCharBudget caps the README excerpt carried into Documentation.
const readmeCharBudget = 3000

// Workspace is the raw repository snapshot submitted for extraction:
// the file tree, the contents of recognized marker files, and whatever
// metadata the hosting platform reports.
type Workspace struct {
	FileTree     []string          `json:"file_tree"`
	FileContents map[string]string `json:"file_contents"`
	RepoMetadata map[string]any    `json:"repo_metadata"`
}

// backendMarkers maps manifest files to their backend language, in
// detection priority order.
var backendMarkers = []struct {
	file     string
	language string
}{
	{"pyproject.toml", "Python"},
	{"requirements.txt", "Python"},
	{"setup.py", "Python"},
	{"go.mod", "Go"},
	{"Cargo.toml", "Rust"},
	{"pom.xml", "Java"},
	{"build.gradle", "Java"},
	{"Gemfile", "Ruby"},
	{"composer.json", "PHP"},
}

var extensionLanguages = map[string]string{
	".py":   "Python",
	".go":   "Go",
	".rs":   "Rust",
	".ts":   "TypeScript",
	".tsx":  "TypeScript",
	".js":   "JavaScript",
	".jsx":  "JavaScript",
	".java": "Java",
	".rb":   "Ruby",
	".php":  "PHP",
	".cs":   "C#",
	".cpp":  "C++",
	".c":    "C",
}

// jsFrameworks lists package.json dependencies to report, meta-frameworks
// before the base packages they wrap so Next.js never reports as React.
var jsFrameworks = []struct {
	dep  string
	name string
}{
	{"next", "Next.js"},
	{"@sveltejs/kit", "SvelteKit"},
	{"nuxt", "Nuxt"},
	{"@angular/core", "Angular"},
	{"react", "React"},
	{"svelte", "Svelte"},
	{"vue", "Vue"},
	{"express", "Express"},
	{"fastify", "Fastify"},
}

var pyFrameworks = []struct {
	dep  string
	name string
}{
	{"fastapi", "FastAPI"},
	{"django", "Django"},
	{"flask", "Flask"},
	{"starlette", "Starlette"},
}

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Extract derives a Context from a workspace snapshot. Fully
// deterministic; no model calls.
func Extract(ws *Workspace) *Context {
	if ws == nil {
		return nil
	}
	out := &Context{}
	out.Language = detectLanguage(ws)
	out.Framework = detectFramework(ws)
	out.TestFramework = detectTestFramework(ws)
	out.Conventions = detectConventions(ws)
	out.Patterns = detectPatterns(ws)
	if readme := extractReadme(ws); readme != "" {
		out.Documentation = []string{readme}
	}
	out.TestPatterns = detectTestPatterns(ws)
	if out.IsEmpty() {
		return nil
	}
	return out
}

// detectLanguage resolves the repository's language through four tiers:
// dual-stack marker pairs, platform metadata, first marker seen, and a
// last-resort extension count.
func detectLanguage(ws *Workspace) string {
	hasFrontend := hasRootFile(ws, "package.json")
	frontendLang := "JavaScript"
	if hasRootFile(ws, "tsconfig.json") {
		frontendLang = "TypeScript"
	}

	for _, marker := range backendMarkers {
		if hasRootFile(ws, marker.file) {
			if hasFrontend {
				return fmt.Sprintf("%s (backend) / %s (frontend)", marker.language, frontendLang)
			}
			break
		}
	}

	if lang, ok := ws.RepoMetadata["language"].(string); ok && lang != "" {
		return lang
	}

	for _, p := range ws.FileTree {
		if p == "package.json" {
			return frontendLang
		}
		for _, marker := range backendMarkers {
			if p == marker.file {
				return marker.language
			}
		}
	}

	return languageByExtensionCount(ws.FileTree)
}

func languageByExtensionCount(tree []string) string {
	counts := map[string]int{}
	for _, p := range tree {
		if lang, ok := extensionLanguages[path.Ext(p)]; ok {
			counts[lang]++
		}
	}
	best := ""
	bestCount := 0
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Strings(langs) // deterministic tie-break
	for _, lang := range langs {
		if counts[lang] > bestCount {
			best = lang
			bestCount = counts[lang]
		}
	}
	return best
}

func detectFramework(ws *Workspace) string {
	if pkg, ok := ws.FileContents["package.json"]; ok {
		if fw := frameworkFromPackageJSON(pkg); fw != "" {
			return fw
		}
	}
	if pyproject, ok := ws.FileContents["pyproject.toml"]; ok {
		if fw := frameworkFromPyproject(pyproject); fw != "" {
			return fw
		}
	}
	return ""
}

func frameworkFromPackageJSON(content string) string {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return ""
	}
	deps := map[string]string{}
	for k, v := range pkg.Dependencies {
		deps[k] = v
	}
	for k, v := range pkg.DevDependencies {
		if _, exists := deps[k]; !exists {
			deps[k] = v
		}
	}
	for _, fw := range jsFrameworks {
		if version, ok := deps[fw.dep]; ok {
			if v := stripVersionPrefix(version); v != "" {
				return fw.name + " " + v
			}
			return fw.name
		}
	}
	return ""
}

// frameworkFromPyproject scans dependency declarations with regexes
// rather than a full TOML parse; both PEP 621 arrays and poetry tables
// are covered.
func frameworkFromPyproject(content string) string {
	for _, fw := range pyFrameworks {
		// "fastapi>=0.100" inside a dependencies array
		arrayRe := regexp.MustCompile(`"` + fw.dep + `([^"]*)"`)
		if m := arrayRe.FindStringSubmatch(content); m != nil {
			if v := stripVersionPrefix(m[1]); v != "" {
				return fw.name + " " + v
			}
			return fw.name
		}
		// fastapi = "^0.100" in a poetry table
		tableRe := regexp.MustCompile(`(?m)^` + fw.dep + `\s*=\s*"([^"]+)"`)
		if m := tableRe.FindStringSubmatch(content); m != nil {
			if v := stripVersionPrefix(m[1]); v != "" {
				return fw.name + " " + v
			}
			return fw.name
		}
	}
	return ""
}

// stripVersionPrefix drops range operators so "^14.1.0" reports as
// "14.1.0".
func stripVersionPrefix(version string) string {
	return strings.TrimLeft(strings.TrimSpace(version), "^~>=<!")
}

func detectTestFramework(ws *Workspace) string {
	if pkg, ok := ws.FileContents["package.json"]; ok {
		for _, tf := range []struct{ dep, name string }{
			{"vitest", "Vitest"},
			{"jest", "Jest"},
			{"mocha", "Mocha"},
		} {
			if strings.Contains(pkg, `"`+tf.dep+`"`) {
				return tf.name
			}
		}
	}
	if pyproject, ok := ws.FileContents["pyproject.toml"]; ok {
		if strings.Contains(pyproject, "pytest") {
			return "pytest"
		}
	}
	if gomod, ok := ws.FileContents["go.mod"]; ok {
		if strings.Contains(gomod, "github.com/stretchr/testify") {
			return "testify"
		}
	}
	return ""
}

func detectConventions(ws *Workspace) []string {
	var out []string

	if tsconfig, ok := ws.FileContents["tsconfig.json"]; ok {
		out = append(out, tsconfigConventions(tsconfig)...)
	} else if hasRootFile(ws, "tsconfig.json") {
		out = append(out, "TypeScript configured")
	}

	out = append(out, ruffConventions(ws)...)

	if prettier, ok := ws.FileContents[".prettierrc"]; ok {
		out = append(out, prettierConventions(prettier)...)
	} else if hasRootFile(ws, ".prettierrc") || hasRootFile(ws, ".prettierrc.json") {
		out = append(out, "Prettier formatting")
	}

	out = append(out, eslintConventions(ws)...)

	for _, presence := range []struct{ file, convention string }{
		{".editorconfig", "EditorConfig present"},
		{".golangci.yml", "golangci-lint enforced"},
		{".flake8", "flake8 linting"},
		{"mypy.ini", "mypy type checking"},
	} {
		if hasRootFile(ws, presence.file) {
			out = append(out, presence.convention)
		}
	}
	return out
}

func tsconfigConventions(content string) []string {
	var cfg struct {
		CompilerOptions struct {
			Strict bool   `json:"strict"`
			Target string `json:"target"`
			Module string `json:"module"`
		} `json:"compilerOptions"`
	}
	if err := json.Unmarshal([]byte(content), &cfg); err != nil {
		return []string{"TypeScript configured"}
	}
	var out []string
	if cfg.CompilerOptions.Strict {
		out = append(out, "TypeScript strict mode")
	}
	if cfg.CompilerOptions.Target != "" {
		out = append(out, "TS target "+cfg.CompilerOptions.Target)
	}
	if cfg.CompilerOptions.Module != "" {
		out = append(out, "TS module "+cfg.CompilerOptions.Module)
	}
	if len(out) == 0 {
		out = append(out, "TypeScript configured")
	}
	return out
}

var (
	ruffLineLengthRe = regexp.MustCompile(`line-length\s*=\s*(\d+)`)
	ruffTargetRe     = regexp.MustCompile(`target-version\s*=\s*"([^"]+)"`)
)

func ruffConventions(ws *Workspace) []string {
	content, ok := ws.FileContents["ruff.toml"]
	if !ok {
		pyproject, hasPyproject := ws.FileContents["pyproject.toml"]
		if !hasPyproject || !strings.Contains(pyproject, "[tool.ruff]") {
			return nil
		}
		content = pyproject
	}
	out := []string{"Ruff linting"}
	if m := ruffLineLengthRe.FindStringSubmatch(content); m != nil {
		out = append(out, "Line length "+m[1])
	}
	if m := ruffTargetRe.FindStringSubmatch(content); m != nil {
		out = append(out, "Targets "+m[1])
	}
	return out
}

func prettierConventions(content string) []string {
	var cfg struct {
		Semi        *bool `json:"semi"`
		SingleQuote *bool `json:"singleQuote"`
		TabWidth    *int  `json:"tabWidth"`
	}
	if err := json.Unmarshal([]byte(content), &cfg); err != nil {
		return []string{"Prettier formatting"}
	}
	out := []string{"Prettier formatting"}
	if cfg.Semi != nil && !*cfg.Semi {
		out = append(out, "No semicolons")
	}
	if cfg.SingleQuote != nil && *cfg.SingleQuote {
		out = append(out, "Single quotes")
	}
	if cfg.TabWidth != nil {
		out = append(out, fmt.Sprintf("Tab width %d", *cfg.TabWidth))
	}
	return out
}

var eslintPluginRe = regexp.MustCompile(`plugin:([a-z0-9@/-]+)`)

func eslintConventions(ws *Workspace) []string {
	var content string
	found := false
	for _, name := range []string{".eslintrc", ".eslintrc.json", ".eslintrc.js", "eslint.config.js"} {
		if c, ok := ws.FileContents[name]; ok {
			content = c
			found = true
			break
		}
		if hasRootFile(ws, name) {
			found = true
		}
	}
	if !found {
		return nil
	}
	out := []string{"ESLint enforced"}
	if content != "" {
		seen := map[string]bool{}
		for _, m := range eslintPluginRe.FindAllStringSubmatch(content, -1) {
			plugin := strings.SplitN(m[1], "/", 2)[0]
			if !seen[plugin] {
				seen[plugin] = true
				out = append(out, "ESLint plugin "+plugin)
			}
		}
	}
	return out
}

// directoryPatterns maps directory names to the architectural signal
// they indicate.
var directoryPatterns = []struct {
	dir     string
	pattern string
}{
	{"src", "src layout"},
	{"services", "Service layer"},
	{"repositories", "Repository pattern"},
	{"components", "Component-based UI"},
	{"hooks", "React hooks"},
	{"controllers", "MVC controllers"},
	{"models", "Model layer"},
	{"middleware", "Middleware chain"},
}

func detectPatterns(ws *Workspace) []string {
	var out []string
	for _, dp := range directoryPatterns {
		if hasDirectory(ws.FileTree, dp.dir) {
			out = append(out, dp.pattern)
		}
	}

	if hasRootFile(ws, "Dockerfile") {
		out = append(out, "Dockerized")
	}
	if hasRootFile(ws, "docker-compose.yml") || hasRootFile(ws, "docker-compose.yaml") {
		out = append(out, "docker-compose environment")
	}
	for _, mono := range []string{"pnpm-workspace.yaml", "lerna.json", "turbo.json"} {
		if hasRootFile(ws, mono) {
			out = append(out, "Monorepo")
			break
		}
	}
	for _, p := range ws.FileTree {
		if strings.HasPrefix(p, ".github/workflows/") &&
			(strings.HasSuffix(p, ".yml") || strings.HasSuffix(p, ".yaml")) {
			out = append(out, "GitHub Actions CI")
			break
		}
	}
	return out
}

func detectTestPatterns(ws *Workspace) []string {
	var out []string
	for _, dir := range []string{"tests", "test", "__tests__", "spec"} {
		if hasDirectory(ws.FileTree, dir) {
			out = append(out, "Dedicated "+dir+"/ directory")
		}
	}
	if hasSuffixFile(ws.FileTree, "_test.go") {
		out = append(out, "Go table-driven tests alongside sources")
	}
	if hasSuffixFile(ws.FileTree, ".test.ts") || hasSuffixFile(ws.FileTree, ".test.tsx") {
		out = append(out, "Co-located .test.ts files")
	}
	return out
}

func extractReadme(ws *Workspace) string {
	readme, ok := ws.FileContents["README.md"]
	if !ok || readme == "" {
		return ""
	}
	cleaned := htmlTagRe.ReplaceAllString(readme, "")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > readmeCharBudget {
		cleaned = cleaned[:readmeCharBudget] + "... (truncated)"
	}
	return cleaned
}

func hasRootFile(ws *Workspace, name string) bool {
	if _, ok := ws.FileContents[name]; ok {
		return true
	}
	for _, p := range ws.FileTree {
		if p == name {
			return true
		}
	}
	return false
}

// hasDirectory reports whether any tree path passes through dir.
func hasDirectory(tree []string, dir string) bool {
	for _, p := range tree {
		if strings.HasPrefix(p, dir+"/") || strings.Contains(p, "/"+dir+"/") {
			return true
		}
	}
	return false
}

func hasSuffixFile(tree []string, suffix string) bool {
	for _, p := range tree {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}
