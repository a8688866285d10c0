package imports

// Run is the API response model for an import run.
type Run struct {
	ID      string `json:"id" doc:"Run UUID"`
	Profile string `json:"profile" doc:"Profile the run imports"`
	DryRun  bool   `json:"dryRun" doc:"True when the run does not write to the ledger"`
	State   string `json:"state" doc:"Run state: queued, running, succeeded or failed"`
}
