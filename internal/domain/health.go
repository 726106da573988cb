package domain

import "time"

// HealthStats is the read-side rollup over recent outbox activity used for
// operational dashboards. Dismissed rows are excluded from every issue
// count.
type HealthStats struct {
	WindowStart      time.Time `json:"windowStart"`
	Sent             int64     `json:"sent"`
	Queued           int64     `json:"queued"`
	Delivered        int64     `json:"delivered"`
	ProviderFailed   int64     `json:"providerFailed"`
	NotDelivered     int64     `json:"notDelivered"`
	Awaiting         int64     `json:"awaiting"`
	InternalFailed   int64     `json:"internalFailed"`
	StaleUnconfirmed int64     `json:"staleUnconfirmed"`
}

// HasIssues reports whether operators should be alerted. Awaiting alone is
// never an issue: fresh sent messages legitimately have no delivery report
// yet.
func (h HealthStats) HasIssues() bool {
	return h.ProviderFailed > 0 ||
		h.NotDelivered > 0 ||
		h.InternalFailed > 0 ||
		h.StaleUnconfirmed > 0
}
