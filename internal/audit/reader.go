// ABOUTME: Reads attempt log JSON lines back into Attempt records
// ABOUTME: Used by the attempts CLI command and tests

package audit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// maxLineBytes bounds a single record; real records are a few hundred bytes.
const maxLineBytes = 1 << 20

// Read decodes every record from r in file order. Blank lines are skipped.
func Read(r io.Reader) ([]Attempt, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var attempts []Attempt
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var a Attempt
		if err := a.UnmarshalJSON(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		attempts = append(attempts, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading attempt log: %w", err)
	}
	return attempts, nil
}

// ReadFile reads the attempt log at path. A missing file yields no attempts.
func ReadFile(path string) ([]Attempt, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening attempt log: %w", err)
	}
	defer f.Close()
	return Read(f)
}
