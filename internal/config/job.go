package config

import (
	"fmt"
	"os"

	"dsync/internal/common"

	"gopkg.in/yaml.v3"
)

// Job describes one backup run: what to dump, how to write it and where to
// send it. Upload is nil when the file stays local.
type Job struct {
	ID       string       `yaml:"id" json:"id"`
	Database Database     `yaml:"database" json:"database"`
	Backup   Backup       `yaml:"backup" json:"backup"`
	Upload   *Destination `yaml:"upload,omitempty" json:"upload,omitempty"`
}

// Job builds a descriptor from the loaded sections. The destination is
// attached only when one is configured.
func (c *Config) Job() Job {
	job := Job{
		Database: c.Database,
		Backup:   c.Backup,
	}
	if c.Destination.Type != "" {
		dest := c.Destination
		job.Upload = &dest
	}
	return job
}

// LoadJob reads a job file. Sections the file leaves out keep the values
// from base.
func LoadJob(path string, base *Config) (Job, error) {
	job := base.Job()

	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job file: %w", err)
	}
	if err := yaml.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("failed to parse job file: %w", err)
	}

	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// WithCredentials fills in the database password, which stored jobs never
// carry, from the configuration when the job targets the same server and user.
func (c *Config) WithCredentials(job Job) Job {
	db := job.Database
	if db.Password == "" && db.Host == c.Database.Host && db.Port == c.Database.Port && db.User == c.Database.User {
		job.Database.Password = c.Database.Password
	}
	return job
}

// Validate checks the job is runnable without touching the network.
func (j Job) Validate() error {
	if j.Database.Type == "" {
		return common.MissingConfig("database.type")
	}
	if err := j.Database.Connection().Validate(); err != nil {
		return err
	}
	if j.Upload != nil {
		if err := j.Upload.Validate(); err != nil {
			return err
		}
	}
	return nil
}
