package execution

import "sort"

// Language describes how one language is compiled and run. Commands run in
// the working directory that holds FileName.
type Language struct {
	Name     string
	Display  string
	FileName string
	Image    string   // docker image
	Compile  []string // optional
	Run      []string
}

// builtinLanguages is the fixed language table.
var builtinLanguages = map[string]Language{
	"python": {
		Name: "python", Display: "Python", FileName: "main.py",
		Image: "python:3.12-slim",
		Run:   []string{"python3", "-u", "main.py"},
	},
	"javascript": {
		Name: "javascript", Display: "JavaScript", FileName: "main.js",
		Image: "node:20-slim",
		Run:   []string{"node", "main.js"},
	},
	"typescript": {
		Name: "typescript", Display: "TypeScript", FileName: "main.ts",
		Image: "denoland/deno:alpine",
		Run:   []string{"deno", "run", "--quiet", "main.ts"},
	},
	"go": {
		Name: "go", Display: "Go", FileName: "main.go",
		Image:   "golang:1.24-alpine",
		Compile: []string{"go", "build", "-o", "main", "main.go"},
		Run:     []string{"./main"},
	},
	"c": {
		Name: "c", Display: "C", FileName: "main.c",
		Image:   "gcc:14",
		Compile: []string{"gcc", "-O2", "-o", "main", "main.c", "-lm"},
		Run:     []string{"./main"},
	},
	"cpp": {
		Name: "cpp", Display: "C++", FileName: "main.cpp",
		Image:   "gcc:14",
		Compile: []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
		Run:     []string{"./main"},
	},
	"java": {
		Name: "java", Display: "Java", FileName: "Main.java",
		Image:   "eclipse-temurin:21-jdk",
		Compile: []string{"javac", "Main.java"},
		Run:     []string{"java", "-cp", ".", "Main"},
	},
	"rust": {
		Name: "rust", Display: "Rust", FileName: "main.rs",
		Image:   "rust:1-slim",
		Compile: []string{"rustc", "-O", "-o", "main", "main.rs"},
		Run:     []string{"./main"},
	},
	"ruby": {
		Name: "ruby", Display: "Ruby", FileName: "main.rb",
		Image: "ruby:3.3-slim",
		Run:   []string{"ruby", "main.rb"},
	},
	"php": {
		Name: "php", Display: "PHP", FileName: "main.php",
		Image: "php:8.3-cli",
		Run:   []string{"php", "main.php"},
	},
	"bash": {
		Name: "bash", Display: "Bash", FileName: "main.sh",
		Image: "bash:5",
		Run:   []string{"bash", "main.sh"},
	},
	"lua": {
		Name: "lua", Display: "Lua", FileName: "main.lua",
		Image: "nickblah/lua:5.4",
		Run:   []string{"lua", "main.lua"},
	},
	"perl": {
		Name: "perl", Display: "Perl", FileName: "main.pl",
		Image: "perl:5-slim",
		Run:   []string{"perl", "main.pl"},
	},
}

// Builtin returns a copy of the language table restricted to names. An
// empty names list selects every language. Unknown names are reported.
func Builtin(names []string) (map[string]Language, []string) {
	out := make(map[string]Language)
	if len(names) == 0 {
		for name, lang := range builtinLanguages {
			out[name] = lang
		}
		return out, nil
	}

	var unknown []string
	for _, name := range names {
		lang, ok := builtinLanguages[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out[name] = lang
	}
	return out, unknown
}

func sortedNames(langs map[string]Language) []string {
	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
