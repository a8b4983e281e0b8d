package protocol

import (
	"strings"
	"time"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// binIDWidth is the width numeric bin ids are zero-padded to.
const binIDWidth = 24

// Measurement is a periodic report for one node.
type Measurement struct {
	BinID     string `json:"binId"`
	Timestamp string `json:"timestamp"`
	Value     int    `json:"value"`
}

// UpdateRequest asks the gateway for an immediate reading. The node id
// comes from the topic.
type UpdateRequest struct {
	ReqID *int64 `json:"reqId"`
}

// UpdateResponse answers an UpdateRequest with the same ReqID.
type UpdateResponse struct {
	ReqID  int64  `json:"reqId"`
	Status string `json:"status"`
	Value  int    `json:"value"`
	Error  string `json:"error"`
}

// JoinNotice announces a node to the gateway.
type JoinNotice struct {
	BinID string `json:"binId"`
}

// GatewayStatus is published periodically on the status topic.
type GatewayStatus struct {
	GatewayID string `json:"gatewayId"`
	Instance  string `json:"instance"`
	Uptime    int64  `json:"uptime"`
	Pending   int    `json:"pending"`
	Timestamp string `json:"timestamp"`
}

// NewMeasurement builds a report stamped with at in UTC.
func NewMeasurement(nodeID string, at time.Time, value int) Measurement {
	return Measurement{
		BinID:     NormalizeBinID(nodeID),
		Timestamp: at.UTC().Format(time.RFC3339),
		Value:     value,
	}
}

// NormalizeBinID zero-pads purely numeric ids to the 24 character width used
// by hex ids. Other ids are returned unchanged.
func NormalizeBinID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) >= binIDWidth {
		return id
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	return strings.Repeat("0", binIDWidth-len(id)) + id
}
