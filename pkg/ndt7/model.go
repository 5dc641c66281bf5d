package ndt7

// AppInfo is the application-level view of a measurement
type AppInfo struct {
	ElapsedTime int64 `json:"ElapsedTime"`
	NumBytes    int64 `json:"NumBytes"`
}

// ConnectionInfo identifies the connection a measurement belongs to
type ConnectionInfo struct {
	Client string `json:"Client"`
	Server string `json:"Server"`
	UUID   string `json:"UUID"`
}

// TCPInfo holds the subset of kernel TCP statistics servers report.
// Times are in microseconds.
type TCPInfo struct {
	BusyTime      int64 `json:"BusyTime"`
	BytesAcked    int64 `json:"BytesAcked"`
	BytesReceived int64 `json:"BytesReceived"`
	BytesSent     int64 `json:"BytesSent"`
	BytesRetrans  int64 `json:"BytesRetrans"`
	ElapsedTime   int64 `json:"ElapsedTime"`
	MinRTT        int64 `json:"MinRTT"`
	RTT           int64 `json:"RTT"`
	RTTVar        int64 `json:"RTTVar"`
}

// Measurement is the JSON object carried by text frames
type Measurement struct {
	AppInfo        *AppInfo        `json:"AppInfo,omitempty"`
	ConnectionInfo *ConnectionInfo `json:"ConnectionInfo,omitempty"`
	Origin         string          `json:"Origin,omitempty"`
	Test           string          `json:"Test,omitempty"`
	TCPInfo        *TCPInfo        `json:"TCPInfo,omitempty"`
}

// ReceiverMbps returns the throughput seen by the receiving side of the
// connection, if the measurement carries enough TCP statistics.
func (m *Measurement) ReceiverMbps() (float64, bool) {
	if m.TCPInfo == nil || m.TCPInfo.ElapsedTime <= 0 {
		return 0, false
	}
	// bits per microsecond is megabits per second
	return float64(m.TCPInfo.BytesReceived) * 8 / float64(m.TCPInfo.ElapsedTime), true
}
