package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lamim/convoforge/pkg/models"
)

// loadEnvFile loads KEY=VALUE lines into the environment. Variables that are
// already set win over the file.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for key, value := range parseEnv(string(data)) {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

func parseEnv(data string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = trimQuotes(strings.TrimSpace(value))
	}
	return vars
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// promptResume asks whether to continue an interrupted run. Empty input means yes.
func promptResume(in io.Reader, out io.Writer, state *models.CheckpointState) (bool, error) {
	fmt.Fprintf(out, "Found an interrupted run: %d records completed, %d failed, next record %d.\n",
		len(state.Completed), len(state.Failed), state.ResumeIndex)
	fmt.Fprint(out, "Resume? Declining archives existing outputs and starts over. [Y/n]: ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "", "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized answer %q", strings.TrimSpace(answer))
}
