package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv copies KEY=VALUE lines from path into the process environment
// and reports how many keys it set. Variables already present win. A missing
// file is not an error.
func LoadDotEnv(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	set := 0
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		key, val, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("env file line %d: %w", lineNo, err)
		}
		set++
	}
	if err := scanner.Err(); err != nil {
		return set, fmt.Errorf("scan env file: %w", err)
	}
	return set, nil
}

// parseEnvLine accepts `KEY=VALUE` and `export KEY=VALUE`; blank lines and
// # comments are skipped.
func parseEnvLine(line string) (string, string, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", "", false
	}
	raw = strings.TrimPrefix(raw, "export ")

	key, val, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
