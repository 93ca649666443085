package problem

import (
	"bytes"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	appErr "ojjudge/pkg/errors"
)

const (
	statementFile = "statement.md"
	testcasesDir  = "testcases"
)

var configFiles = []string{"config.yml", "config.yaml"}

// ValidateArchive checks that data is a zip holding a config file,
// statement.md and a testcases directory, with no unsafe entry names.
func ValidateArchive(data []byte) error {
	if len(data) == 0 {
		return appErr.New(appErr.ArchiveInvalid).WithMessage("archive is empty")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "archive is not a zip file")
	}

	var hasConfig, hasStatement, hasTestcases bool
	for _, f := range zr.File {
		name, err := safeEntryName(f.Name)
		if err != nil {
			return err
		}
		switch {
		case name == statementFile:
			hasStatement = true
		case name == configFiles[0] || name == configFiles[1]:
			hasConfig = true
		case name == testcasesDir && f.FileInfo().IsDir():
			hasTestcases = true
		case strings.HasPrefix(name, testcasesDir+"/"):
			hasTestcases = true
		}
	}

	var missing []string
	if !hasConfig {
		missing = append(missing, "config.yml")
	}
	if !hasStatement {
		missing = append(missing, statementFile)
	}
	if !hasTestcases {
		missing = append(missing, testcasesDir+"/")
	}
	if len(missing) > 0 {
		return appErr.New(appErr.ArchiveInvalid).
			WithMessagef("archive is missing %s", strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}
	return nil
}

// safeEntryName normalises a zip entry name and rejects absolute or escaping paths.
// The returned name uses forward slashes and has no trailing slash.
func safeEntryName(raw string) (string, error) {
	name := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(name, "/") || strings.Contains(name, ":") {
		return "", appErr.New(appErr.ArchiveInvalid).WithMessagef("unsafe archive entry %q", raw)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", appErr.New(appErr.ArchiveInvalid).WithMessagef("unsafe archive entry %q", raw)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}
