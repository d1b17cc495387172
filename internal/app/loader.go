package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"promptbatch/internal/task"
)

// LoadRequests reads task requests from a newline-delimited JSON input
// file. Each line must carry an id and either a prompt or a messages
// list; duplicate ids are rejected so result files stay unambiguous.
func LoadRequests(path, defaultModel string) ([]*task.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file %s: %w", path, err)
	}
	defer f.Close()

	var out []*task.Request
	seen := make(map[string]int)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var req task.Request
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", path, line, err)
		}
		if req.ID == "" {
			return nil, fmt.Errorf("%s line %d: task is missing an id", path, line)
		}
		if req.Prompt == "" && len(req.Messages) == 0 {
			return nil, fmt.Errorf("%s line %d: task %s has neither a prompt nor messages", path, line, req.ID)
		}
		if prev, ok := seen[req.ID]; ok {
			return nil, fmt.Errorf("%s line %d: duplicate task id %s (first seen on line %d)", path, line, req.ID, prev)
		}
		seen[req.ID] = line

		if req.Model == "" {
			req.Model = defaultModel
		}
		out = append(out, &req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("input file %s contains no tasks", path)
	}
	return out, nil
}
