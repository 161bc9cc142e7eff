// Package language holds the static description of every runtime the service
// can execute. All language-specific behaviour (image selection, resource
// multipliers, pool sizing keys, sidecar env overrides) flows from this
// table; nothing else in the codebase switches on a language name.
package language

import (
	"fmt"
	"sort"
	"strings"
)

// Language describes one supported runtime. Values are frozen at process
// start; the registry hands out copies so callers cannot mutate the table.
type Language struct {
	// Code is the short identifier used on the wire and in POD_POOL_<CODE>
	// configuration, e.g. "py", "go".
	Code string
	// Name is the human-readable name shown in stats and errors.
	Name string
	// Image is the default runtime container image.
	Image string
	// UserID is the UID user code runs under inside the runtime container.
	UserID int64
	// FileExtension is appended to synthesized source file names.
	FileExtension string
	// ExecutionCommand is what the sidecar invokes, with the source path
	// appended unless UsesStdin is set.
	ExecutionCommand []string
	// UsesStdin pipes the source to the interpreter instead of a file.
	UsesStdin bool
	// TimeoutMultiplier scales the requested timeout for slow-to-start
	// toolchains (compilers).
	TimeoutMultiplier float64
	// MemoryMultiplier scales the configured memory limit.
	MemoryMultiplier float64
	// Stateful marks REPL-style runtimes whose variable namespace can be
	// captured and restored between calls.
	Stateful bool
	// ExtraEnv is applied to the runtime container when the pod is network
	// isolated, so toolchains don't stall resolving unreachable hosts.
	IsolatedEnv map[string]string
}

var table = []Language{
	{
		Code: "py", Name: "Python", Image: "python:3.12-slim",
		UserID: 65532, FileExtension: ".py",
		ExecutionCommand: []string{"python3"},
		UsesStdin:        false, TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0,
		Stateful: true,
	},
	{
		Code: "go", Name: "Go", Image: "golang:1.23-alpine",
		UserID: 65532, FileExtension: ".go",
		ExecutionCommand: []string{"go", "run"},
		TimeoutMultiplier: 2.0, MemoryMultiplier: 1.5,
		IsolatedEnv: map[string]string{"GOPROXY": "off", "GOSUMDB": "off"},
	},
	{
		Code: "js", Name: "JavaScript", Image: "node:22-slim",
		UserID: 65532, FileExtension: ".js",
		ExecutionCommand: []string{"node"},
		TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0,
	},
	{
		Code: "ts", Name: "TypeScript", Image: "denoland/deno:alpine",
		UserID: 65532, FileExtension: ".ts",
		ExecutionCommand: []string{"deno", "run", "--allow-read", "--allow-write"},
		TimeoutMultiplier: 1.5, MemoryMultiplier: 1.0,
	},
	{
		Code: "rb", Name: "Ruby", Image: "ruby:3.3-slim",
		UserID: 65532, FileExtension: ".rb",
		ExecutionCommand: []string{"ruby"},
		TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0,
	},
	{
		Code: "rs", Name: "Rust", Image: "rust:1.82-slim",
		UserID: 65532, FileExtension: ".rs",
		ExecutionCommand: []string{"sh", "-c", "rustc -o /tmp/prog \"$0\" && /tmp/prog"},
		TimeoutMultiplier: 3.0, MemoryMultiplier: 2.0,
		IsolatedEnv: map[string]string{"CARGO_NET_OFFLINE": "true"},
	},
	{
		Code: "java", Name: "Java", Image: "eclipse-temurin:21-jdk",
		UserID: 65532, FileExtension: ".java",
		ExecutionCommand: []string{"java"},
		TimeoutMultiplier: 2.0, MemoryMultiplier: 2.0,
	},
	{
		Code: "c", Name: "C", Image: "gcc:14",
		UserID: 65532, FileExtension: ".c",
		ExecutionCommand: []string{"sh", "-c", "gcc -o /tmp/prog \"$0\" && /tmp/prog"},
		TimeoutMultiplier: 2.0, MemoryMultiplier: 1.0,
	},
	{
		Code: "cpp", Name: "C++", Image: "gcc:14",
		UserID: 65532, FileExtension: ".cpp",
		ExecutionCommand: []string{"sh", "-c", "g++ -o /tmp/prog \"$0\" && /tmp/prog"},
		TimeoutMultiplier: 2.0, MemoryMultiplier: 1.0,
	},
	{
		Code: "cs", Name: "C#", Image: "mcr.microsoft.com/dotnet/sdk:8.0",
		UserID: 65532, FileExtension: ".cs",
		ExecutionCommand: []string{"dotnet", "script"},
		TimeoutMultiplier: 2.5, MemoryMultiplier: 2.0,
		IsolatedEnv: map[string]string{"DOTNET_CLI_TELEMETRY_OPTOUT": "1"},
	},
	{
		Code: "sh", Name: "Bash", Image: "bash:5.2",
		UserID: 65532, FileExtension: ".sh",
		ExecutionCommand: []string{"bash"},
		UsesStdin:         true,
		TimeoutMultiplier: 1.0, MemoryMultiplier: 1.0,
	},
	{
		Code: "r", Name: "R", Image: "r-base:4.4.1",
		UserID: 65532, FileExtension: ".R",
		ExecutionCommand: []string{"Rscript"},
		TimeoutMultiplier: 1.5, MemoryMultiplier: 1.5,
		Stateful: true,
	},
}

// Registry is the immutable language lookup built once at startup.
type Registry struct {
	byCode map[string]Language
}

// NewRegistry builds the default registry.
func NewRegistry() *Registry {
	r := &Registry{byCode: make(map[string]Language, len(table))}
	for _, l := range table {
		r.byCode[l.Code] = l
	}
	return r
}

// Get returns the language for code. Codes are matched case-insensitively.
func (r *Registry) Get(code string) (Language, bool) {
	l, ok := r.byCode[strings.ToLower(code)]
	return l, ok
}

// Supported reports whether code names a known language.
func (r *Registry) Supported(code string) bool {
	_, ok := r.Get(code)
	return ok
}

// Codes returns all language codes in stable order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.byCode))
	for c := range r.byCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// PoolSizeEnvVar returns the environment variable that configures the warm
// pool size for code, e.g. POD_POOL_PY.
func PoolSizeEnvVar(code string) string {
	return fmt.Sprintf("POD_POOL_%s", strings.ToUpper(code))
}
