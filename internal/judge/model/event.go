package model

import "time"

// SubmitMessage is the submit topic payload.
type SubmitMessage struct {
	SubmissionID int64  `json:"submissionId"`
	ProblemID    int64  `json:"problemId"`
	Language     string `json:"language"`
}

// JudgeEvent is one progress record on the result topic.
type JudgeEvent struct {
	SubmissionID    int64   `json:"submissionId"`
	ProblemID       int64   `json:"problemId"`
	CaseID          int     `json:"caseId"`
	NumCases        int     `json:"numCases"`
	CumulativeScore int     `json:"cumulativeScore"`
	TimeUsedMs      int64   `json:"timeUsedMs"`
	MemoryUsedKB    int64   `json:"memoryUsedKb"`
	Status          Verdict `json:"status"`
	Input           string  `json:"input"`
	ExpectedOutput  string  `json:"expectedOutput"`
	ActualOutput    string  `json:"actualOutput"`
	Message         string  `json:"message"`
	InfraOK         bool    `json:"infraOk"`
	IsFinal         bool    `json:"isFinal"`
	EmittedAt       int64   `json:"emittedAt"`
}

// Stamp sets EmittedAt to now in unix milliseconds.
func (e *JudgeEvent) Stamp() {
	e.EmittedAt = time.Now().UnixMilli()
}

// TestResult is the persisted outcome of one case.
type TestResult struct {
	CaseID         int     `json:"caseId"`
	Status         Verdict `json:"status"`
	TimeUsedMs     int64   `json:"timeUsedMs"`
	MemoryUsedKB   int64   `json:"memoryUsedKb"`
	Input          string  `json:"input"`
	ActualOutput   string  `json:"actualOutput"`
	ExpectedOutput string  `json:"expectedOutput"`
	Message        string  `json:"message"`
}

// SubmissionResult is the aggregated result stored as result.json.
type SubmissionResult struct {
	SubmissionID   int64        `json:"submissionId"`
	Status         Verdict      `json:"status"`
	Score          int          `json:"score"`
	TimeUsedMs     int64        `json:"timeUsedMs"`
	MemoryUsedKB   int64        `json:"memoryUsedKb"`
	CompileMessage string       `json:"compileMessage"`
	TestResults    []TestResult `json:"testResults"`
	UpdatedAt      int64        `json:"updatedAt"`
}

// OverallStatus folds a finished submission into one verdict.
// A CE or SE final wins; otherwise the first non-AC case in caseId order;
// otherwise AC. Without any case the run is a system error.
// results must already be sorted by caseId.
func OverallStatus(final Verdict, results []TestResult) Verdict {
	if final == VerdictCE || final == VerdictSE {
		return final
	}
	if len(results) == 0 {
		return VerdictSE
	}
	for _, r := range results {
		if r.Status != VerdictAC {
			return r.Status
		}
	}
	return VerdictAC
}
