package executor

// FetchPolicy selects how a query's result set is materialized. It is a
// closed set of variants dispatched by type switch; adding a policy
// means touching the executor, deliberately.
type FetchPolicy interface {
	isFetchPolicy()
}

// SingleRow fetches at most one row.
type SingleRow struct{}

// Batch fetches at most Size rows and discards the rest.
type Batch struct {
	Size int
}

// Streaming hands the live result set to the caller, who owns it and
// must Close it to return the underlying connection to the pool.
type Streaming struct{}

// BoundedMaterialize accumulates rows in memory up to Cap (further
// bounded by the executor's configured maximum fetch size), checking
// memory pressure between check intervals. A result cut short by either
// bound carries the Truncated flag instead of failing.
type BoundedMaterialize struct {
	Cap int
}

func (SingleRow) isFetchPolicy()          {}
func (Batch) isFetchPolicy()              {}
func (Streaming) isFetchPolicy()          {}
func (BoundedMaterialize) isFetchPolicy() {}
