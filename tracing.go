package electro

// TableRecordCount is the span payload of a gateway write
type TableRecordCount struct {
	Table        string `json:"table"`
	StagingTable string `json:"stagingTable"`
	RecordCount  int    `json:"recordCount"`
}

// SyncSpan is the span payload of a scheduled sync job
type SyncSpan struct {
	ClientID string `json:"clientId"`
	Window   string `json:"window"`
	Attempt  int    `json:"attempt"`
}
