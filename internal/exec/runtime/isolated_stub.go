//go:build !linux

package runtime

import (
	appErr "runlab/pkg/errors"
)

// IsolatedConfig configures the linux backend. Kept on all platforms so
// config files parse everywhere.
type IsolatedConfig struct {
	BaseDir    string `yaml:"baseDir"`
	CgroupRoot string `yaml:"cgroupRoot"`
	HelperPath string `yaml:"helperPath"`

	EnableCgroup     bool `yaml:"enableCgroup"`
	EnableNamespaces bool `yaml:"enableNamespaces"`
	EnableSeccomp    bool `yaml:"enableSeccomp"`
}

// NewIsolatedRuntime is only available on linux.
func NewIsolatedRuntime(cfg IsolatedConfig, library *Library) (Runtime, error) {
	return nil, appErr.New(appErr.RuntimeUnavailable).
		WithMessage("isolated runtime requires linux")
}
