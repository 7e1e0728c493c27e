package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/storyreel/storyreel/internal/models"
)

// SummaryFilename is the idempotency marker: a job directory containing a
// completed summary means the run already finished.
const SummaryFilename = "job_summary.json"

// WriteSummary persists a JobSummary into the job directory. The write goes
// through a temp file and a rename so a crash mid-write never leaves a
// half-written marker that a later lease would mistake for a finished run.
func WriteSummary(jobDir string, summary *models.JobSummary) error {
	summary.SchemaVersion = models.SummarySchemaVersion

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job summary: %w", err)
	}

	path := filepath.Join(jobDir, SummaryFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write job summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize job summary: %w", err)
	}
	return nil
}

// LoadSummary reads a previously written summary from the job directory.
// Returns (nil, nil) when no summary exists and ErrSummaryVersion when the
// file was written by an incompatible schema.
func LoadSummary(jobDir string) (*models.JobSummary, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, SummaryFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job summary: %w", err)
	}

	var summary models.JobSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse job summary: %w", err)
	}
	if summary.SchemaVersion != models.SummarySchemaVersion {
		return nil, models.ErrSummaryVersion
	}
	return &summary, nil
}
