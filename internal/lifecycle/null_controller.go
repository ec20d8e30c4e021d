package lifecycle

import "context"

// NullController is the containerizationEnabled=false variant: every
// write operation returns ErrContainerizationDisabled and every read
// returns an empty result, with no engine process ever spawned.
// Modeled on spec.md §9's explicit redesign guidance against
// sprinkling "if enabled" checks throughout the containerized path.
type NullController struct{}

var _ Controller = NullController{}

func (NullController) GetOrStart(ctx context.Context, appID string, spec StartSpec) (StartResult, error) {
	return StartResult{}, ErrContainerizationDisabled
}

func (NullController) Stop(ctx context.Context, appID string) error {
	return ErrContainerizationDisabled
}

func (NullController) Remove(ctx context.Context, appID string) error {
	return ErrContainerizationDisabled
}

func (NullController) Status(ctx context.Context, appID string) (Status, error) {
	return Status{AppID: appID, State: Absent}, nil
}

func (NullController) SyncFiles(ctx context.Context, appID string, paths []string) error {
	return ErrContainerizationDisabled
}

func (NullController) Logs(ctx context.Context, appID string, opts LogOptions) (string, error) {
	return "", nil
}

func (NullController) StreamLogs(ctx context.Context, appID string, opts LogOptions) (<-chan LogLine, error) {
	ch := make(chan LogLine)
	close(ch)
	return ch, nil
}

func (NullController) Exec(ctx context.Context, appID string, argv []string) (ExecResult, error) {
	return ExecResult{}, ErrContainerizationDisabled
}

func (NullController) Events(ctx context.Context, appID string) ([]Event, error) {
	return []Event{}, nil
}
