// Package classtable loads the sidecar class-id -> label mapping that
// ships alongside an ONNX model file. The table is read once at
// startup and never mutated afterwards.
package classtable

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Table is an immutable, ordered class index -> label mapping.
type Table struct {
	labels []string
	// padValue is an optional letterbox-fill hint carried in the
	// sidecar file's header comment, overriding the model family's
	// default.
	padValue float32
	hasPad   bool
}

// Load reads a sidecar file: one label per line, blank lines and
// '#'-prefixed comment lines ignored, except for a leading
// "# pad=<value>" comment which sets the letterbox pad override.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open class table %q: %w", path, err)
	}
	defer f.Close()

	t := &Table{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if v, ok := parsePadComment(line); ok && len(t.labels) == 0 {
				t.padValue = v
				t.hasPad = true
			}
			continue
		}
		t.labels = append(t.labels, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read class table %q: %w", path, err)
	}
	if len(t.labels) == 0 {
		return nil, fmt.Errorf("class table %q contains no labels", path)
	}
	return t, nil
}

func parsePadComment(line string) (float32, bool) {
	const prefix = "# pad="
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	var v float32
	if _, err := fmt.Sscanf(line, prefix+"%f", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Len returns the number of classes.
func (t *Table) Len() int { return len(t.labels) }

// Label returns the label for a class id, or "" if out of range.
func (t *Table) Label(classID int) string {
	if classID < 0 || classID >= len(t.labels) {
		return ""
	}
	return t.labels[classID]
}

// Labels returns the full ordered label slice. Callers must not mutate it.
func (t *Table) Labels() []string { return t.labels }

// PadValue returns the sidecar-declared letterbox pad override and
// whether one was present.
func (t *Table) PadValue() (float32, bool) { return t.padValue, t.hasPad }

// VerifyCount fails if the table's class count doesn't match the
// model's output head size.
func (t *Table) VerifyCount(modelClassCount int) error {
	if len(t.labels) != modelClassCount {
		return fmt.Errorf("class table has %d labels but model head expects %d", len(t.labels), modelClassCount)
	}
	return nil
}

// FilterSet builds a per-class allow-list boolean vector from a list
// of label names (case-insensitive), as used by the postprocessor's
// object_filter. Returns nil if names is empty (meaning "no filter").
func (t *Table) FilterSet(names []string) []bool {
	if len(names) == 0 {
		return nil
	}
	filter := make([]bool, len(t.labels))
	for _, name := range names {
		for i, label := range t.labels {
			if strings.EqualFold(label, name) {
				filter[i] = true
			}
		}
	}
	return filter
}
