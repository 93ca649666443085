package model

import "testing"

func TestLanguageExtension(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"cpp":     "cpp",
		"C++":     "cpp",
		"c":       "c",
		"java":    "java",
		"python3": "py",
		"py":      "py",
		"go":      "go",
		"rust":    "txt",
		"":        "txt",
	}
	for lang, want := range tests {
		if got := LanguageExtension(lang); got != want {
			t.Fatalf("LanguageExtension(%q) = %q, want %q", lang, got, want)
		}
	}
}

func TestBlobKeys(t *testing.T) {
	t.Parallel()
	if got := ProblemArchiveKey(7); got != "problem/7.zip" {
		t.Fatalf("archive key = %s", got)
	}
	if got := SourceKey(42, "python"); got != "submission/42/code.py" {
		t.Fatalf("source key = %s", got)
	}
	if got := ResultKey(42); got != "submission/42/result.json" {
		t.Fatalf("result key = %s", got)
	}
}

func TestProblemConfigLimits(t *testing.T) {
	t.Parallel()
	if got := (ProblemConfig{}).Limits(); got != DefaultLimits() {
		t.Fatalf("empty config limits = %+v", got)
	}
	got := ProblemConfig{TimeLimit: 2000}.Limits()
	if got.TimeLimitMs != 2000 || got.MemoryLimitMB != DefaultMemoryLimitMB {
		t.Fatalf("partial config limits = %+v", got)
	}
}

func TestOverallStatus(t *testing.T) {
	t.Parallel()
	ac := TestResult{CaseID: 1, Status: VerdictAC}
	tle := TestResult{CaseID: 2, Status: VerdictTLE}
	wa := TestResult{CaseID: 3, Status: VerdictWA}

	tests := []struct {
		name    string
		final   Verdict
		results []TestResult
		want    Verdict
	}{
		{name: "compile error wins", final: VerdictCE, results: []TestResult{ac}, want: VerdictCE},
		{name: "system error wins", final: VerdictSE, results: []TestResult{ac}, want: VerdictSE},
		{name: "first failing case", final: VerdictAC, results: []TestResult{ac, tle, wa}, want: VerdictTLE},
		{name: "all accepted", final: VerdictAC, results: []TestResult{ac}, want: VerdictAC},
		{name: "no cases", final: VerdictAC, want: VerdictSE},
	}
	for _, tt := range tests {
		if got := OverallStatus(tt.final, tt.results); got != tt.want {
			t.Fatalf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}
