// Package compare decides whether program output matches the expected answer.
package compare

import (
	"errors"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	pkgerrors "ojjudge/pkg/errors"
)

// PreviewLimit bounds input, expected and actual previews carried on events.
const PreviewLimit = 4096

const lineSpace = " \t\r\v\f"

// Equal compares two outputs ignoring trailing whitespace on every line
// and trailing blank lines.
func Equal(expected, actual string) bool {
	exp := normalize(expected)
	act := normalize(actual)
	if len(exp) != len(act) {
		return false
	}
	for i := range exp {
		if exp[i] != act[i] {
			return false
		}
	}
	return true
}

func normalize(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, lineSpace)
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return lines[:end]
}

// EqualFile compares actual against the content of expectedPath.
// A missing expected file is a configuration problem, never a match.
func EqualFile(expectedPath string, actual []byte) (bool, error) {
	expected, err := os.ReadFile(expectedPath)
	if err != nil {
		return false, pkgerrors.Wrapf(err, pkgerrors.TestCaseNotFound, "read expected output %s", expectedPath)
	}
	return Equal(string(expected), string(actual)), nil
}

// Preview returns at most limit bytes of b without splitting a UTF-8 sequence.
func Preview(b []byte, limit int) string {
	return string(TruncateUTF8(b, limit))
}

// PreviewFile reads a preview of the file at path.
func PreviewFile(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, limit+utf8.UTFMax)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	return Preview(buf[:n], limit), nil
}

// TruncateUTF8 cuts b to at most limit bytes on a rune boundary.
func TruncateUTF8(b []byte, limit int) []byte {
	if limit <= 0 {
		return nil
	}
	if len(b) <= limit {
		return b
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return b[:cut]
}
