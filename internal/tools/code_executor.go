package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CodeExecutorName is the registry name of the code execution tool.
const CodeExecutorName = "code_executor"

// DefaultAllowedImports are the modules user code may import.
var DefaultAllowedImports = []string{
	"math", "statistics", "datetime", "json", "random",
	"collections", "itertools", "functools", "re",
	"decimal", "fractions", "operator",
}

// CodeExecutorConfig bounds sandboxed code execution.
type CodeExecutorConfig struct {
	Interpreter    string
	AllowedImports []string
	MemoryLimitMB  int
	Timeout        time.Duration
	MaxOutputBytes int
}

func (c CodeExecutorConfig) withDefaults() CodeExecutorConfig {
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if len(c.AllowedImports) == 0 {
		c.AllowedImports = DefaultAllowedImports
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64 * 1024
	}
	return c
}

// ForbiddenCalls are builtins user code may not call by name.
var ForbiddenCalls = []string{"eval", "exec", "compile", "__import__", "open", "breakpoint", "input"}

// guardProgram reads the user source from stdin, walks its syntax tree and refuses
// disallowed imports and calls before anything runs. The memory cap applies to the
// user code only. argv: allowed modules, forbidden calls, address space limit in bytes.
const guardProgram = `import ast, resource, sys
src = sys.stdin.read()
allowed = set(filter(None, sys.argv[1].split(",")))
forbidden = set(filter(None, sys.argv[2].split(",")))
limit = int(sys.argv[3])

def refuse(msg):
    sys.stderr.write("rejected: " + msg + "\n")
    sys.exit(3)

try:
    tree = ast.parse(src, "<snippet>")
except SyntaxError as e:
    refuse("syntax error on line %s: %s" % (e.lineno, e.msg))

for node in ast.walk(tree):
    if isinstance(node, ast.Import):
        for alias in node.names:
            if alias.name.split(".")[0] not in allowed:
                refuse("import %r not allowed" % alias.name)
    elif isinstance(node, ast.ImportFrom):
        mod = node.module or ""
        if node.level or mod.split(".")[0] not in allowed:
            refuse("import from %r not allowed" % ("." * node.level + mod))
    elif isinstance(node, ast.Call) and isinstance(node.func, ast.Name) and node.func.id in forbidden:
        refuse("function %r not allowed" % node.func.id)

code = compile(tree, "<snippet>", "exec")
del src, tree
resource.setrlimit(resource.RLIMIT_AS, (limit, limit))
exec(code, {"__name__": "__main__", "__builtins__": __builtins__})
`

// NewCodeExecutor returns the code execution tool. Runs are never cached.
func NewCodeExecutor(cfg CodeExecutorConfig) Tool {
	cfg = cfg.withDefaults()
	allowed := append([]string(nil), cfg.AllowedImports...)
	sort.Strings(allowed)
	return Tool{
		Name:        CodeExecutorName,
		Description: "Run a short Python snippet and return its stdout. Allowed imports: " + strings.Join(allowed, ", ") + ".",
		Parameters: map[string]string{
			"code": "python source to execute (required); print the answer",
		},
		DefaultTimeout: cfg.Timeout,
		Cacheable:      false,
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			code := stringArg(args, "code")
			if strings.TrimSpace(code) == "" {
				return nil, errors.New("code_executor: code is required")
			}
			return runPython(ctx, cfg, code)
		},
	}
}

func runPython(ctx context.Context, cfg CodeExecutorConfig, code string) (any, error) {
	limit := int64(cfg.MemoryLimitMB) * 1024 * 1024

	// -I: isolated mode, ignores env vars and user site-packages
	cmd := exec.CommandContext(ctx, cfg.Interpreter, "-I", "-c", guardProgram,
		strings.Join(cfg.AllowedImports, ","),
		strings.Join(ForbiddenCalls, ","),
		strconv.FormatInt(limit, 10),
	)
	cmd.Env = []string{"PATH=/usr/bin:/bin"}
	cmd.Dir = os.TempDir()
	cmd.Stdin = strings.NewReader(code)
	stdout := &limitedBuffer{max: cfg.MaxOutputBytes}
	stderr := &limitedBuffer{max: cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if lines := strings.Split(msg, "\n"); len(lines) > 0 {
			msg = lines[len(lines)-1]
		}
		return nil, fmt.Errorf("code_executor: %s", msg)
	}
	return map[string]any{
		"output":    stdout.String(),
		"stderr":    stderr.String(),
		"truncated": stdout.truncated,
	}, nil
}

// limitedBuffer keeps at most max bytes and silently drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }
