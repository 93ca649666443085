package problem

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

// LoadConfig reads config.yml or config.yaml from an extracted archive.
// A missing file yields the zero config, which resolves to default limits.
func LoadConfig(dir string) (model.ProblemConfig, error) {
	var cfg model.ProblemConfig
	for _, name := range configFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return cfg, appErr.Wrapf(err, appErr.TestCaseInvalid, "read %s failed", name)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, appErr.Wrapf(err, appErr.TestCaseInvalid, "parse %s failed", name)
		}
		return cfg, nil
	}
	return cfg, nil
}
