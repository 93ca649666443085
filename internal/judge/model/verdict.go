package model

// Verdict is the status code carried by events and results.
type Verdict string

const (
	// Case verdicts.
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictTLE Verdict = "TLE"
	VerdictMLE Verdict = "MLE"
	VerdictRE  Verdict = "RE"
	VerdictCFG Verdict = "CFG"

	// Pseudo statuses emitted on caseId 0.
	VerdictWaiting Verdict = "WAITING"
	VerdictCE      Verdict = "CE"
	VerdictSE      Verdict = "SE"

	// Aggregate-only statuses.
	VerdictPending Verdict = "PENDING"
	VerdictJudging Verdict = "JUDGING"
)

var verdictNames = map[Verdict]string{
	VerdictAC:      "Accepted",
	VerdictWA:      "WrongAnswer",
	VerdictTLE:     "TimeLimitExceeded",
	VerdictMLE:     "MemoryLimitExceeded",
	VerdictRE:      "RuntimeError",
	VerdictCFG:     "ConfigError",
	VerdictWaiting: "Waiting",
	VerdictCE:      "CompileError",
	VerdictSE:      "SystemError",
	VerdictPending: "Pending",
	VerdictJudging: "Judging",
}

// Name returns the human readable verdict name.
func (v Verdict) Name() string {
	if name, ok := verdictNames[v]; ok {
		return name
	}
	return string(v)
}

// IsCaseVerdict reports whether v can describe a single test case.
func (v Verdict) IsCaseVerdict() bool {
	switch v {
	case VerdictAC, VerdictWA, VerdictTLE, VerdictMLE, VerdictRE, VerdictCFG:
		return true
	}
	return false
}

// SubmissionStatus is the lifecycle state stored with the submission row.
type SubmissionStatus string

const (
	StatusPending SubmissionStatus = "PENDING"
	StatusJudging SubmissionStatus = "JUDGING"
	StatusDone    SubmissionStatus = "DONE"
)

// Event messages. An infra failure reaches users only as MsgSystemError;
// its cause is logged.
const (
	MsgJudgeStart          = "judge_start"
	MsgCompileOK           = "compile_ok"
	MsgCompileTimeout      = "compile_timeout"
	MsgAccepted            = "accepted"
	MsgWrongAnswer         = "wrong_answer"
	MsgTimeLimitExceeded   = "time_limit_exceeded"
	MsgMemoryLimitExceeded = "memory_limit_exceeded"
	MsgNoTestcases         = "no_testcases"
	MsgJudgeDone           = "judge_done"
	MsgJudgeTimeout        = "judge_timeout"
	MsgLanguageUnsupported = "language_not_supported"
	MsgInputUnreadable     = "input_unreadable"
	MsgSystemError         = "system_error"
)
