package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("item ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid item ID %q", s)
	}
	return id, nil
}

// ParseDecisionArgs extracts an item ID and optional reviewer notes.
// Format: <id> [notes...]
func ParseDecisionArgs(args string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	id, err := ParseIDArg(parts[0])
	if err != nil {
		return 0, "", err
	}
	notes := ""
	if len(parts) == 2 {
		notes = strings.TrimSpace(parts[1])
	}
	return id, notes, nil
}

// ParseIDList parses item IDs separated by spaces or commas. An empty
// argument yields an empty list.
func ParseIDList(args string) ([]int64, error) {
	fields := strings.FieldsFunc(args, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	seen := make(map[int64]bool, len(fields))
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("invalid item ID %q", f)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}
