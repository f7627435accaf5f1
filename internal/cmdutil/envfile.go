package cmdutil

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadEnvFile loads environment variables from a file.
//
// Supported formats:
//   - KEY=VALUE
//   - export KEY=VALUE
//   - KEY="VALUE with spaces"
//   - # comments
//
// A missing file yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	envVars := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || !envKeyRe.MatchString(key) {
			return nil, fmt.Errorf("invalid format in env file at line %d: %s", lineNum, line)
		}

		envVars[key] = unquote(strings.TrimSpace(value))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return envVars, nil
}

func unquote(value string) string {
	if len(value) < 2 {
		return value
	}

	first, last := value[0], value[len(value)-1]
	if (first == '"' || first == '\'') && first == last {
		return value[1 : len(value)-1]
	}

	return value
}

// Environ returns os.Environ() overlaid with the variables of envFile, then
// with inline. Later entries win when the result is used as exec.Cmd.Env.
func Environ(envFile string, inline map[string]string) ([]string, error) {
	env := os.Environ()

	if envFile != "" {
		fileVars, err := LoadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		env = appendSorted(env, fileVars)
	}

	return appendSorted(env, inline), nil
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}

	return env
}
