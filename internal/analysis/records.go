package analysis

// Typed analysis records. Detail slices are capped; when a cap cut a
// result short, Total still carries the full count and the record's
// truncated flag is set.

// UserCount is a per-user aggregate.
type UserCount struct {
	Username string
	Count    int64
}

// HostCount is a per-host aggregate.
type HostCount struct {
	Host  string
	Count int64
}

// Summary is the basic activity overview for the period.
type Summary struct {
	TotalEvents int64
	UniqueUsers int64
	UniqueHosts int64
}

// FailedLogins lists CONNECT failures grouped by user and source IP,
// keeping only groups at or above the configured threshold.
type FailedLogins struct {
	Total  int64
	ByUser []UserCount
	ByIP   []HostCount
}

// PrivilegedOp is one privileged statement; Query is clipped to 200
// characters server-side.
type PrivilegedOp struct {
	Username  string
	Query     string
	Timestamp string
}

// PrivilegedOps covers statements matching the configured keywords.
type PrivilegedOps struct {
	Total            int64
	ByUser           []UserCount
	Details          []PrivilegedOp
	DetailsTruncated bool
}

// LoginDetail is one CONNECT event.
type LoginDetail struct {
	Username  string
	Host      string
	Timestamp string
}

// PrivilegedLogins covers CONNECT events by the configured privileged
// users.
type PrivilegedLogins struct {
	Total            int64
	ByUser           []UserCount
	Details          []LoginDetail
	DetailsTruncated bool
}

// OperationCount is a per-operation aggregate.
type OperationCount struct {
	Operation string
	Count     int64
}

// ErrorCount is a per-return-code aggregate.
type ErrorCount struct {
	Retcode int64
	Count   int64
}

// ErrorStats covers failed events, CHANGEUSER noise excluded.
type ErrorStats struct {
	Total  int64
	ByCode []ErrorCount
}

// AccessDetail is one event with its full identity tuple.
type AccessDetail struct {
	Username  string
	Host      string
	Operation string
	Timestamp string
}

// AfterHours covers the configured users' activity outside work hours
// and on weekends. Total counts every match; Details holds at most the
// first 50.
type AfterHours struct {
	Total   int64
	Details []AccessDetail
}

// NonWhitelistedIPs covers events from hosts outside the allow-list.
type NonWhitelistedIPs struct {
	Total            int64
	ByIP             []HostCount
	Details          []AccessDetail
	DetailsTruncated bool
}

// Report is the full analysis catalogue for one period. A nil section
// with an entry in Failures means that analysis failed; a nil section
// without one means the period was empty.
type Report struct {
	Period Period

	// Empty is set when the presence precheck found no rows; no
	// analysis queries were issued.
	Empty bool

	Summary           *Summary
	FailedLogins      *FailedLogins
	PrivilegedOps     *PrivilegedOps
	PrivilegedLogins  *PrivilegedLogins
	OperationStats    []OperationCount
	ErrorStats        *ErrorStats
	AfterHours        *AfterHours
	NonWhitelistedIPs *NonWhitelistedIPs

	Failures map[string]error
}
