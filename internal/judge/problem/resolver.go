// Package problem resolves limits and test cases from problem archives.
package problem

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

// ArchiveSource yields the extracted archive directory of a problem.
type ArchiveSource interface {
	Dir(ctx context.Context, problemID int64) (string, error)
}

// Resolver turns a problem id into limits and an ordered case list.
type Resolver struct {
	source ArchiveSource
}

// NewResolver creates a Resolver.
func NewResolver(source ArchiveSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the limits and test cases of problemID.
// An empty case list is not an error; callers decide how to report it.
func (r *Resolver) Resolve(ctx context.Context, problemID int64) (model.ProblemLimits, []model.TestCase, error) {
	dir, err := r.source.Dir(ctx, problemID)
	if err != nil {
		return model.ProblemLimits{}, nil, err
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		return model.ProblemLimits{}, nil, err
	}
	cases, err := ListTestCases(filepath.Join(dir, testcasesDir))
	if err != nil {
		return model.ProblemLimits{}, nil, err
	}
	return cfg.Limits(), cases, nil
}

// ListTestCases pairs every .in file in dir with its .out partner.
// Numeric stems sort numerically and use the stem as caseId; other stems,
// and numeric stems repeating an earlier number, follow in name order with
// ids after the largest numeric one.
func ListTestCases(dir string) ([]model.TestCase, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErr.Newf(appErr.ProblemNotFound, "testcases directory not found")
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "list testcases failed")
	}

	type stem struct {
		name    string
		num     int
		numeric bool
	}
	var stems []stem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".in") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".in")
		n, err := strconv.Atoi(name)
		stems = append(stems, stem{name: name, num: n, numeric: err == nil && n > 0})
	}
	byOrder := func(i, j int) bool {
		a, b := stems[i], stems[j]
		if a.numeric != b.numeric {
			return a.numeric
		}
		if a.numeric && a.num != b.num {
			return a.num < b.num
		}
		return a.name < b.name
	}
	sort.Slice(stems, byOrder)
	// 01 and 1 share a number; the later name joins the non-numeric tail.
	seen := make(map[int]bool, len(stems))
	demoted := false
	for i := range stems {
		if !stems[i].numeric {
			continue
		}
		if seen[stems[i].num] {
			stems[i].numeric = false
			demoted = true
			continue
		}
		seen[stems[i].num] = true
	}
	if demoted {
		sort.Slice(stems, byOrder)
	}

	maxNumeric := 0
	for _, s := range stems {
		if s.numeric && s.num > maxNumeric {
			maxNumeric = s.num
		}
	}

	cases := make([]model.TestCase, 0, len(stems))
	nextID := maxNumeric
	for i, s := range stems {
		tc := model.TestCase{
			Index:        i + 1,
			Name:         s.name,
			InputPath:    filepath.Join(dir, s.name+".in"),
			ExpectedPath: filepath.Join(dir, s.name+".out"),
		}
		if s.numeric {
			tc.CaseID = s.num
		} else {
			nextID++
			tc.CaseID = nextID
		}
		if _, err := os.Stat(tc.ExpectedPath); err != nil {
			tc.ConfigErr = appErr.Newf(appErr.TestCaseNotFound, "expected output %s.out missing", s.name)
		}
		cases = append(cases, tc)
	}
	return cases, nil
}
