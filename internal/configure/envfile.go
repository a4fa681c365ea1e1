package configure

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// upsertEnvLine sets key=value in the .env file, rewriting the existing
// line in place so comments, ordering, and unrelated entries survive.
func upsertEnvLine(path, key, value string) error {
	lines, err := readEnvLines(path)
	if err != nil {
		return err
	}
	entry := fmt.Sprintf("%s=%s", key, quoteEnvValue(value))
	replaced := false
	for i, line := range lines {
		if envLineKey(line) == key {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}
	return writeEnvLines(path, lines)
}

// removeEnvLine deletes the key's line, leaving everything else intact.
func removeEnvLine(path, key string) error {
	lines, err := readEnvLines(path)
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, line := range lines {
		if envLineKey(line) != key {
			kept = append(kept, line)
		}
	}
	return writeEnvLines(path, kept)
}

func readEnvLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	content := strings.TrimSuffix(string(data), "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func writeEnvLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// envLineKey extracts the key of an assignment line, or "" for comments
// and blanks.
func envLineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	key, _, ok := strings.Cut(trimmed, "=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(key)
}

func quoteEnvValue(v string) string {
	if strings.ContainsAny(v, " \t#\"'") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}
