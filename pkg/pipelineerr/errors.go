// Package pipelineerr defines the failure taxonomy shared by every stage of the run.
package pipelineerr

import "errors"

var (
	ErrConfigUnavailable        = errors.New("config unavailable")
	ErrConfigMalformed          = errors.New("config malformed")
	ErrAbiLookupFailed          = errors.New("abi lookup failed")
	ErrImplementationUnresolved = errors.New("implementation unresolved")
	ErrContractCallFailed       = errors.New("contract call failed")
	ErrSerializationFailed      = errors.New("serialization failed")
	ErrUploadFailed             = errors.New("upload failed")
	ErrLoadJobFailed            = errors.New("load job failed")
)

var stages = []struct {
	err   error
	stage string
}{
	{ErrConfigUnavailable, "config_loader"},
	{ErrConfigMalformed, "config_loader"},
	{ErrAbiLookupFailed, "contract_resolver"},
	{ErrImplementationUnresolved, "contract_resolver"},
	{ErrContractCallFailed, "metric_extractor"},
	{ErrSerializationFailed, "exporter"},
	{ErrUploadFailed, "exporter"},
	{ErrLoadJobFailed, "exporter"},
}

// Stage names the pipeline stage err belongs to, or "unknown".
func Stage(err error) string {
	for _, s := range stages {
		if errors.Is(err, s.err) {
			return s.stage
		}
	}
	return "unknown"
}
