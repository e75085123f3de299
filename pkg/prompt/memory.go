package prompt

import (
	"bytes"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	memoryFileName   = "AGENTCORE.md"
	memoryMaxDepth   = 8
	memoryMaxFile    = 1 << 20 // 1 MiB
	memoryMaxTotal   = 4 << 20 // 4 MiB
)

// LoadMemory reads <projectRoot>/AGENTCORE.md, expanding "@path/to/file"
// include lines (recursively, depth- and size-bounded, cycle-safe) the same
// way project instructions are assembled. A missing file returns ("", nil)
// so callers can treat "no memory" and "empty memory" identically.
func LoadMemory(projectRoot string) (string, error) {
	root := strings.TrimSpace(projectRoot)
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	l := memoryLoader{root: root, visited: map[string]struct{}{}}
	content, err := l.load(filepath.Join(root, memoryFileName), 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

type memoryLoader struct {
	root    string
	visited map[string]struct{}
	total   int64
}

func (l *memoryLoader) load(path string, depth int) (string, error) {
	if depth > memoryMaxDepth {
		return "", fmt.Errorf("prompt: memory include depth exceeds %d", memoryMaxDepth)
	}

	absPath := strings.TrimSpace(path)
	if absPath == "" {
		return "", nil
	}
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(l.root, absPath)
	}
	absPath = filepath.Clean(absPath)
	if abs, err := filepath.Abs(absPath); err == nil {
		absPath = abs
	}

	if l.root != "" {
		rel, err := filepath.Rel(l.root, absPath)
		if err != nil {
			return "", fmt.Errorf("prompt: resolve memory include %q: %w", path, err)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("prompt: memory include escapes project root: %s", path)
		}
	}

	if _, ok := l.visited[absPath]; ok {
		return "", nil
	}
	l.visited[absPath] = struct{}{}

	data, err := readMemoryFile(absPath)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) && depth == 0 {
			return "", nil
		}
		return "", err
	}
	l.total += int64(len(data))
	if l.total > memoryMaxTotal {
		return "", fmt.Errorf("prompt: total included memory exceeds %d bytes", memoryMaxTotal)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("prompt: %s appears to be binary", absPath)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("prompt: %s is not valid UTF-8", absPath)
	}

	dir := filepath.Dir(absPath)
	lines := strings.Split(string(data), "\n")

	var b strings.Builder
	inCodeBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inCodeBlock = !inCodeBlock
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		if !inCodeBlock && strings.HasPrefix(trimmed, "@") {
			target := strings.TrimSpace(strings.TrimPrefix(trimmed, "@"))
			if target == "" {
				continue
			}
			includePath := target
			if !filepath.IsAbs(includePath) {
				includePath = filepath.Join(dir, includePath)
			}
			included, err := l.load(includePath, depth+1)
			if err != nil {
				return "", err
			}
			included = strings.TrimRight(included, "\n")
			if included != "" {
				b.WriteString(included)
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func readMemoryFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > memoryMaxFile {
		return nil, fmt.Errorf("prompt: %s exceeds %d bytes limit", path, memoryMaxFile)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > memoryMaxFile {
		return nil, fmt.Errorf("prompt: %s exceeds %d bytes limit", path, memoryMaxFile)
	}
	return data, nil
}
