package metrics

import (
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/session"
)

// Snapshot is one system sample.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Memory    Memory         `json:"memory"`
	CPU       CPU            `json:"cpu"`
	Uptime    Uptime         `json:"uptime"`
	Sessions  SessionCounter `json:"sessions"`
}

type Memory struct {
	Total        uint64        `json:"total"`
	Free         uint64        `json:"free"`
	Used         uint64        `json:"used"`
	UsagePercent float64       `json:"usage"`
	Process      ProcessMemory `json:"process"`
}

type ProcessMemory struct {
	HeapAlloc  uint64  `json:"heapAlloc"`
	HeapSys    uint64  `json:"heapSys"`
	HeapUsage  float64 `json:"heapUsage"`
	Sys        uint64  `json:"sys"`
	Goroutines int     `json:"goroutines"`
}

type CPU struct {
	LoadAverage [3]float64 `json:"loadAverage"`
	Cores       int        `json:"cores"`
	Platform    string     `json:"platform"`
	Arch        string     `json:"arch"`
}

type Uptime struct {
	System    uint64  `json:"system"`
	Process   float64 `json:"process"`
	Formatted string  `json:"formatted"`
}

type SessionCounter struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	PairingPending int `json:"pairingPending"`
	Webhooks       int `json:"webhooks"`
}

// HealthLevel is the coarse health classification.
type HealthLevel string

const (
	Healthy  HealthLevel = "healthy"
	Warning  HealthLevel = "warning"
	Critical HealthLevel = "critical"
	Unknown  HealthLevel = "unknown"
)

// Health is derived from the latest snapshot.
type Health struct {
	Status    HealthLevel `json:"status"`
	Alerts    []string    `json:"alerts"`
	Metrics   *Snapshot   `json:"metrics,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Period bounds a history window.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Hours int       `json:"hours"`
}

// Range is an avg/max/min triple.
type Range struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	Min float64 `json:"min"`
}

// Summary condenses a window of snapshots.
type Summary struct {
	Memory     Range `json:"memory"`
	Sessions   Range `json:"sessions"`
	DataPoints int   `json:"dataPoints"`
}

// History is the response for a system history window.
type History struct {
	Period  Period     `json:"period"`
	Data    []Snapshot `json:"data"`
	Summary *Summary   `json:"summary"`
}

// SessionSample is a periodic per-session sample.
type SessionSample struct {
	Timestamp      time.Time     `json:"timestamp"`
	State          session.State `json:"status"`
	ConnectedAt    *time.Time    `json:"connectedAt"`
	MessageCount   int64         `json:"messageCount"`
	RecentMessages int           `json:"recentMessages"`
	HasQR          bool          `json:"hasQR"`
}

// SessionSummary condenses a window of session samples.
type SessionSummary struct {
	MessagesTotal int     `json:"messagesTotal"`
	MessagesAvg   float64 `json:"messagesAvg"`
	MessagesMax   int     `json:"messagesMax"`
	UptimePercent float64 `json:"uptimePercent"`
	DataPoints    int     `json:"dataPoints"`
}

// SessionHistory is the response for a per-session history window.
type SessionHistory struct {
	SessionID string          `json:"sessionId"`
	Period    Period          `json:"period"`
	Data      []SessionSample `json:"data"`
	Summary   *SessionSummary `json:"summary"`
}
