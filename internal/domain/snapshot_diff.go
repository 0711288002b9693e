package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SnapshotView is the payload-agnostic form of one snapshot used for diffing
// and reporting. Properties holds the payload decoded into JSON values.
type SnapshotView struct {
	Key         uuid.UUID
	SnapshotKey uuid.UUID
	ValidFrom   time.Time
	ValidTo     *time.Time
	Deleted     bool
	Token       Token
	Audit       ActionContext
	Properties  map[string]any
}

// PropertiesFromJSON decodes a JSON object payload into properties. Non-object
// payloads are exposed under the "value" key.
func PropertiesFromJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if obj, ok := decoded.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"value": decoded}, nil
}

// CanonicalText flattens the snapshot into deterministic lines suitable for diffing.
func (s SnapshotView) CanonicalText() ([]string, error) {
	lines := []string{
		fmt.Sprintf("Key: %s", s.Key),
		fmt.Sprintf("Snapshot: %s", s.SnapshotKey),
		fmt.Sprintf("ValidFrom: %s", s.ValidFrom.UTC().Format(time.RFC3339Nano)),
		fmt.Sprintf("Deleted: %t", s.Deleted),
		"Payload:",
	}

	flattened := map[string]string{}
	if len(s.Properties) > 0 {
		if err := flattenProperties("", s.Properties, flattened); err != nil {
			return nil, err
		}
	}

	if len(flattened) == 0 {
		return append(lines, "  (empty)"), nil
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, flattened[key]))
	}
	return lines, nil
}

// DiffSnapshots renders a unified diff between two snapshots. A nil side is
// treated as empty, which yields a pure addition or removal.
func DiffSnapshots(baseLabel string, base *SnapshotView, targetLabel string, target *SnapshotView) (string, error) {
	baseText, err := canonicalString(base)
	if err != nil {
		return "", err
	}
	targetText, err := canonicalString(target)
	if err != nil {
		return "", err
	}
	return buildUnifiedDiff(baseLabel, targetLabel, baseText, targetText), nil
}

func canonicalString(s *SnapshotView) (string, error) {
	if s == nil {
		return "", nil
	}
	lines, err := s.CanonicalText()
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func flattenProperties(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		for key, item := range typed {
			next := key
			if prefix != "" {
				next = prefix + "." + key
			}
			if err := flattenProperties(next, item, acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			if err := flattenProperties(fmt.Sprintf("%s[%d]", prefix, idx), item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return fmt.Errorf("property key missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}
	return nil
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	ops := diffLines(splitLines(baseContent), splitLines(targetContent))

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n", baseLabel)
	fmt.Fprintf(&b, "+++ %s\n", targetLabel)
	b.WriteString("@@ -0,0 +0,0 @@\n")
	for _, op := range ops {
		b.WriteString(op.prefix)
		b.WriteString(op.line)
		b.WriteString("\n")
	}
	return b.String()
}

func splitLines(input string) []string {
	if input == "" {
		return nil
	}
	lines := strings.Split(input, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines walks a longest-common-subsequence table to emit keep/remove/add ops.
func diffLines(base, target []string) []diffOp {
	m, n := len(base), len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			switch {
			case base[i] == target[j]:
				dp[i][j] = dp[i+1][j+1] + 1
			case dp[i+1][j] >= dp[i][j+1]:
				dp[i][j] = dp[i+1][j]
			default:
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case base[i] == target[j]:
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		default:
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}
	for ; i < m; i++ {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
	}
	for ; j < n; j++ {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
	}
	return ops
}
