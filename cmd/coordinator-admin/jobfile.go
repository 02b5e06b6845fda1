package main

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/target/backup-coordinator/internal/domain/model"
)

// parseJobFile decodes one YAML job definition. Unknown keys are rejected so typos in
// stage settings surface at import rather than at run time.
func parseJobFile(r io.Reader) (*model.CreateJobRequest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var req model.CreateJobRequest
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("job file is empty")
		}
		return nil, fmt.Errorf("decode job file: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job %q: %w", req.Name, err)
	}
	return &req, nil
}
