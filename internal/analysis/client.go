package analysis

import "context"

// Starter begins an asynchronous analysis job and returns its provider job ID.
type Starter interface {
	StartAnalysis(ctx context.Context, req StartRequest) (string, error)
}

// Describer reads the current status of a provider job.
type Describer interface {
	DescribeAnalysis(ctx context.Context, jobID string) (JobDescription, error)
}

// Stopper asks the provider to abandon a job. Stopping an already-terminal
// job is not an error.
type Stopper interface {
	StopAnalysis(ctx context.Context, jobID string) error
}

// Pinger reports whether the provider is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Client is the full provider surface.
type Client interface {
	Starter
	Describer
	Stopper
	Pinger
}
