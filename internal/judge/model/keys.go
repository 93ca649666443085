package model

import (
	"fmt"
	"strings"
)

// ProblemArchiveKey is the blob key of a problem archive.
func ProblemArchiveKey(problemID int64) string {
	return fmt.Sprintf("problem/%d.zip", problemID)
}

// SourceKey is the blob key of a submission's source.
func SourceKey(submissionID int64, language string) string {
	return fmt.Sprintf("submission/%d/code.%s", submissionID, LanguageExtension(language))
}

// ResultKey is the blob key of a submission's final result.
func ResultKey(submissionID int64) string {
	return fmt.Sprintf("submission/%d/result.json", submissionID)
}

// LanguageExtension maps a language name to its source file extension.
func LanguageExtension(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "cpp", "c++":
		return "cpp"
	case "c":
		return "c"
	case "java":
		return "java"
	case "python", "py", "python3":
		return "py"
	case "go":
		return "go"
	default:
		return "txt"
	}
}
