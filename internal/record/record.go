// Package record keeps the .hubdeploy.lock file: a YAML history of the
// deployments that completed from a project directory.
package record

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bianoble/hubdeploy/internal/sandbox"
)

// FileName is the record kept next to hubdeploy.yaml.
const FileName = ".hubdeploy.lock"

// Record is the on-disk history.
type Record struct {
	Version     int          `yaml:"version"`
	Deployments []Deployment `yaml:"deployments"`
}

// Deployment describes one completed deployment.
type Deployment struct {
	Project       string    `yaml:"project"`
	Version       string    `yaml:"version"`
	Host          string    `yaml:"host"`
	RunID         string    `yaml:"run_id,omitempty"`
	Files         int64     `yaml:"files"`
	Bytes         int64     `yaml:"bytes"`
	UploadedFiles int64     `yaml:"uploaded_files"`
	DeployedAt    time.Time `yaml:"deployed_at"`
}

// PathFor returns the record path for the config file at configPath.
func PathFor(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), FileName)
}

// Load reads and validates a record. A missing file yields an empty record.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Record{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", path, err)
	}

	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing record %s: %w", path, err)
	}
	if errs := Validate(&r); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return &r, nil
}

// Save writes the record atomically.
func Save(path string, r *Record) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	err = sandbox.WriteAtomic(path, 0644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing record %s: %w", path, err)
	}
	return nil
}

// Append adds d and keeps at most keep entries, dropping the oldest.
// keep <= 0 keeps everything.
func (r *Record) Append(d Deployment, keep int) {
	r.Deployments = append(r.Deployments, d)
	if keep > 0 && len(r.Deployments) > keep {
		r.Deployments = append([]Deployment(nil), r.Deployments[len(r.Deployments)-keep:]...)
	}
}

// Latest returns the newest deployment of project, or of any project when
// project is empty.
func (r *Record) Latest(project string) (Deployment, bool) {
	for i := len(r.Deployments) - 1; i >= 0; i-- {
		if d := r.Deployments[i]; project == "" || d.Project == project {
			return d, true
		}
	}
	return Deployment{}, false
}

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Validate checks a Record for semantic correctness.
func Validate(r *Record) []string {
	var errs []string
	if r.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported version %d: only version 1 is supported", r.Version))
	}
	for i, d := range r.Deployments {
		prefix := fmt.Sprintf("deployment[%d]", i)
		if d.Project == "" {
			errs = append(errs, fmt.Sprintf("%s: 'project' is required", prefix))
		}
		if d.Version == "" {
			errs = append(errs, fmt.Sprintf("%s: 'version' is required", prefix))
		}
		if d.DeployedAt.IsZero() {
			errs = append(errs, fmt.Sprintf("%s: 'deployed_at' is required", prefix))
		}
	}
	return errs
}
