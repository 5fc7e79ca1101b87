// interpreter.go resolves which interpreter launches a script.
// The interpreter comes from configuration, or from the script's extension,
// and must be on the allowlist. Paths are looked up once via exec.LookPath and
// cached so a missing interpreter fails fast as a launch error.
package executor

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// DefaultInterpreter is used when neither configuration nor the script
// extension names one.
const DefaultInterpreter = "python3"

// ValidInterpreters is the allowlist of interpreter names. A configured
// interpreter given as a path (e.g. a virtualenv's bin/python3) is checked by
// its base name.
var ValidInterpreters = []string{"python3", "python", "bash", "sh", "perl"}

// extensionInterpreters maps script extensions to interpreters.
var extensionInterpreters = map[string]string{
	".py":   "python3",
	".sh":   "sh",
	".bash": "bash",
	".pl":   "perl",
}

// InterpreterFor picks the interpreter for scriptPath. A non-empty configured
// value always wins.
func InterpreterFor(configured, scriptPath string) string {
	if configured != "" {
		return configured
	}
	if interp, ok := extensionInterpreters[strings.ToLower(filepath.Ext(scriptPath))]; ok {
		return interp
	}
	return DefaultInterpreter
}

// InterpreterCache caches resolved interpreter paths.
type InterpreterCache struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewInterpreterCache creates an empty cache.
func NewInterpreterCache() *InterpreterCache {
	return &InterpreterCache{
		cache: make(map[string]string),
	}
}

// Resolve checks interpreter against the allowlist and returns its absolute path.
func (c *InterpreterCache) Resolve(interpreter string) (string, error) {
	if !isValidInterpreter(interpreter) {
		return "", fmt.Errorf("invalid interpreter: %q (allowed: %s)", interpreter, strings.Join(ValidInterpreters, ", "))
	}

	c.mu.RLock()
	if path, ok := c.cache[interpreter]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	path, err := exec.LookPath(interpreter)
	if err != nil {
		return "", fmt.Errorf("interpreter %q not found: %w", interpreter, err)
	}

	c.mu.Lock()
	c.cache[interpreter] = path
	c.mu.Unlock()

	return path, nil
}

func isValidInterpreter(interpreter string) bool {
	if interpreter == "" {
		return false
	}
	return slices.Contains(ValidInterpreters, filepath.Base(interpreter))
}
