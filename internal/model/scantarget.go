package model

// ScanTarget describes a single host/port pair produced by the target
// parser. Once constructed it is immutable. IP is always set by the time a
// scan is actually performed — either it was given directly in the input,
// or it was filled in by DNS resolution.
type ScanTarget struct {
	Hostname string `bson:"hostname,omitempty" json:"hostname,omitempty"`
	IP       string `bson:"ip,omitempty" json:"ip,omitempty"`
	Port     int    `bson:"port" json:"port"`

	// Rank is the optional "N,target" rank prefix (e.g. a Tranco/Crux
	// popularity rank). Nil when the input target carried no rank.
	Rank *int `bson:"trancoRank,omitempty" json:"trancoRank,omitempty"`

	// DenylistReason records why the denylist matched, when it did.
	DenylistReason *string `bson:"denylistReason,omitempty" json:"denylistReason,omitempty"`

	// ResultStatus denormalizes the owning job's terminal status onto the
	// target sub-document so the result-collection index on
	// "scanTarget.resultStatus" has something to index.
	ResultStatus JobStatus `bson:"resultStatus,omitempty" json:"resultStatus,omitempty"`
}

// HasIP reports whether the target is ready to be scanned.
func (t ScanTarget) HasIP() bool {
	return t.IP != ""
}
