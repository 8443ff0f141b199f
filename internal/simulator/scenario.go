package simulator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Step is one scripted log line of a deployment scenario.
type Step struct {
	Delay   Duration `yaml:"delay"`
	Message string   `yaml:"message"`
}

// Scenario scripts a simulated provisioning run: a log transcript, an
// outcome, and an exit code.
type Scenario struct {
	Name     string   `yaml:"name"`
	Playbook string   `yaml:"playbook"`
	Steps    []Step   `yaml:"steps"`
	Outcome  string   `yaml:"outcome"` // completed or failed
	ExitCode int      `yaml:"exit_code"`
	Error    string   `yaml:"error"` // non-empty aborts the run with an error event
	Settle   Duration `yaml:"settle"`
}

// DefaultScenario is the built-in happy-path transcript used when no
// scenario file is configured.
func DefaultScenario() Scenario {
	return Scenario{
		Name:     "default",
		Playbook: "cluster.yml",
		Steps: []Step{
			{Delay: Duration(100 * time.Millisecond), Message: "PLAY [Prepare nodes]"},
			{Delay: Duration(100 * time.Millisecond), Message: "TASK [download : kubeadm]"},
			{Delay: Duration(100 * time.Millisecond), Message: "ok: [node-1]"},
			{Delay: Duration(100 * time.Millisecond), Message: "TASK [kubernetes/control-plane : init]"},
			{Delay: Duration(100 * time.Millisecond), Message: "Task completed"},
		},
		Outcome:  "completed",
		ExitCode: 0,
	}
}

// LoadScenario reads a YAML scenario file, overlaying the defaults.
func LoadScenario(path string) (Scenario, error) {
	sc := DefaultScenario()
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// Validate rejects outcomes the status model cannot represent.
func (s Scenario) Validate() error {
	switch s.Outcome {
	case "completed", "failed":
		return nil
	default:
		return fmt.Errorf("invalid scenario outcome %q", s.Outcome)
	}
}
