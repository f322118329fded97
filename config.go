package shimtrace

import (
	"os"
	"path/filepath"

	"cdr.dev/slog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// shimConfigFile is the on-disk YAML form of ShimConfig.
type shimConfigFile struct {
	Shim                string         `yaml:"shim"`
	ShimAllProcesses    bool           `yaml:"shim_all_processes"`
	RenameShimToCommand bool           `yaml:"rename_shim_to_command"`
	MinParallelism      *int           `yaml:"min_parallelism"`
	Rules               []ProcessMatch `yaml:"rules"`
	// Filter is a Starlark script path, relative to the config file.
	Filter string `yaml:"filter"`
}

// LoadShimConfig reads a YAML shim configuration file.
func LoadShimConfig(path string, log slog.Logger) (ShimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ShimConfig{}, xerrors.Errorf("read shim config: %w", err)
	}

	cfg, err := ParseShimConfig(data, filepath.Dir(path), log)
	if err != nil {
		return ShimConfig{}, xerrors.Errorf("parse shim config %q: %w", path, err)
	}
	return cfg, nil
}

// ParseShimConfig decodes a YAML shim configuration. A filter script path is
// resolved against baseDir and loaded.
func ParseShimConfig(data []byte, baseDir string, log slog.Logger) (ShimConfig, error) {
	var file shimConfigFile
	err := yaml.Unmarshal(data, &file)
	if err != nil {
		return ShimConfig{}, xerrors.Errorf("decode yaml: %w", err)
	}

	err = file.validate()
	if err != nil {
		return ShimConfig{}, err
	}

	cfg := ShimConfig{
		ShimPath:            file.Shim,
		Rules:               file.Rules,
		ShimAllProcesses:    file.ShimAllProcesses,
		RenameShimToCommand: file.RenameShimToCommand,
		MinParallelism:      file.MinParallelism,
	}

	if file.Filter != "" {
		path := file.Filter
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		filter, err := LoadStarlarkFilterFile(path, log)
		if err != nil {
			return ShimConfig{}, xerrors.Errorf("load filter: %w", err)
		}
		cfg.Filter = filter
	}

	return cfg, nil
}

func (f shimConfigFile) validate() error {
	var merr error
	if f.Shim == "" {
		merr = multierror.Append(merr, xerrors.New(`"shim" is required`))
	}
	if f.MinParallelism != nil && *f.MinParallelism < 0 {
		merr = multierror.Append(merr, xerrors.Errorf(`"min_parallelism" must not be negative, got %d`, *f.MinParallelism))
	}
	for i, rule := range f.Rules {
		if rule.ProcessName == "" {
			merr = multierror.Append(merr, xerrors.Errorf(`rule %d: "process" is required`, i))
		}
	}
	return merr
}
