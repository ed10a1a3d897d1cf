package electro

import (
	"fmt"
	"time"
)

var TimeLayout = "20060102T150405Z0700"

// SyncWindow is the job argument of a scheduled sync: one client, readings in [FromAt, BeforeAt]
type SyncWindow struct {
	ClientID string    `json:"clientId"`
	FromAt   time.Time `json:"fromAt"`
	BeforeAt time.Time `json:"beforeAt"`
}

// String implements fmt.Stringer interface for SyncWindow
func (w *SyncWindow) String() string {
	if w == nil {
		return "null"
	}
	return fmt.Sprintf("%s_%s_%s", w.ClientID, w.FromAt.Format(TimeLayout), w.BeforeAt.Format(TimeLayout))
}
