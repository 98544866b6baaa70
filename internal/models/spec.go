package models

import "time"

// Spec is a parsed specification file.
type Spec struct {
	// Ref is the absolute path the spec was loaded from; it is the run's
	// spec_reference.
	Ref string `yaml:"-" json:"-"`

	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	TestCommand  []string `yaml:"-"`
	TestTimeout  int      `yaml:"test_timeout,omitempty"`
	Env          []string `yaml:"env,omitempty"`
	PromptScript string   `yaml:"prompt_script,omitempty"`

	// Checks run after TestCommand, in order, as part of every test attempt.
	Checks []Check `yaml:"-"`
}

// Check is an additional named verification command, such as a linter or
// type checker.
type Check struct {
	Name    string
	Command []string
}

// Timeout returns the spec's test timeout, or fallback when unset, clamped to
// MaxTestTimeout.
func (s *Spec) Timeout(fallback time.Duration) time.Duration {
	if s.TestTimeout > 0 {
		return ClampTestTimeout(time.Duration(s.TestTimeout) * time.Second)
	}
	return ClampTestTimeout(fallback)
}
