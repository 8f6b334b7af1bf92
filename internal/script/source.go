package script

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxScriptBytes caps how much text a script file may contribute.
const maxScriptBytes = 1 << 20

// LoadFile reads a script from disk. Files ending in .pdf have their plain
// text extracted; anything else is read as UTF-8 text.
func LoadFile(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return loadPDF(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script %s: %w", path, err)
	}
	if len(data) > maxScriptBytes {
		return "", fmt.Errorf("script %s exceeds %d bytes", path, maxScriptBytes)
	}
	return Normalize(string(data)), nil
}

func loadPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading text from %s: %w", path, err)
	}
	if buf.Len() > maxScriptBytes {
		return "", fmt.Errorf("script %s exceeds %d bytes", path, maxScriptBytes)
	}
	return Normalize(buf.String()), nil
}
