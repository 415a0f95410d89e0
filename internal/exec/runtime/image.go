package runtime

import (
	"fmt"
	"strings"

	"github.com/google/shlex"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

// scriptPlaceholder marks where the script path goes in a command template.
const scriptPlaceholder = "{script}"

// Image describes one supported execution environment.
type Image struct {
	// Tag is the caller-facing image name, e.g. "python3.12".
	Tag string `yaml:"tag"`

	// Command is the shell-style template that runs the script,
	// e.g. "/usr/bin/python3 {script}".
	Command string `yaml:"command"`

	// ScriptFile is the filename the script is written to inside the
	// sandbox scratch directory, e.g. "main.py".
	ScriptFile string `yaml:"scriptFile"`

	// Env is extra environment for the interpreter.
	Env []string `yaml:"env"`

	// Defaults overrides engine-wide default limits for this image.
	Defaults model.ResourceLimits `yaml:"defaults"`
}

// BuildCommand expands the command template against the script path.
func (img Image) BuildCommand(scriptPath string) ([]string, error) {
	parts, err := shlex.Split(img.Command)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.SandboxProvisionErr).
			WithMessagef("image %s has malformed command template", img.Tag)
	}
	if len(parts) == 0 {
		return nil, appErr.New(appErr.SandboxProvisionErr).
			WithMessagef("image %s has empty command template", img.Tag)
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.ReplaceAll(p, scriptPlaceholder, scriptPath)
	}
	return out, nil
}

// Library is the fixed set of images the engine supports, loaded from config.
type Library struct {
	images map[string]Image
}

// NewLibrary builds a library. Duplicate tags are an error.
func NewLibrary(images []Image) (*Library, error) {
	m := make(map[string]Image, len(images))
	for _, img := range images {
		if img.Tag == "" {
			return nil, fmt.Errorf("image with empty tag")
		}
		if _, ok := m[img.Tag]; ok {
			return nil, fmt.Errorf("duplicate image tag %q", img.Tag)
		}
		m[img.Tag] = img
	}
	return &Library{images: m}, nil
}

// Lookup resolves a tag. Unknown tags fail with ImageNotSupported.
func (l *Library) Lookup(tag string) (Image, error) {
	img, ok := l.images[tag]
	if !ok {
		return Image{}, appErr.New(appErr.ImageNotSupported).
			WithMessagef("image %s is not supported", tag)
	}
	return img, nil
}

// Tags lists the supported image tags.
func (l *Library) Tags() []string {
	out := make([]string, 0, len(l.images))
	for tag := range l.images {
		out = append(out, tag)
	}
	return out
}
