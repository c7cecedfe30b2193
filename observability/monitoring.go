// Package observability keeps lightweight in-process counters for the chat
// session and exposes periodic snapshots of them.
package observability

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/process"

	"cowatch/domain/event"
)

// SessionStats aggregates the metrics exposed to the UI and the inspect tool.
type SessionStats struct {
	MessagesSent     uint64  `json:"messages_sent"`
	MessagesReceived uint64  `json:"messages_received"`
	MessagesDeduped  uint64  `json:"messages_deduped"`
	PurgedMessages   uint64  `json:"purged_messages"`
	ErrorCount       uint64  `json:"error_count"`
	AllocMemMb       uint64  `json:"alloc_mem_mb"`
	NumGC            uint32  `json:"num_gc"`
	RSSMb            uint64  `json:"rss_mb"`
	CPUPercent       float64 `json:"cpu_percent"`
}

// MonitoringManager owns the counters. All increments are atomic so the hot
// paths never contend on the snapshot mutex.
type MonitoringManager struct {
	log *slog.Logger

	messagesSent     uint64
	messagesReceived uint64
	messagesDeduped  uint64
	purgedMessages   uint64
	errorCount       uint64

	mu     sync.RWMutex
	latest SessionStats
	proc   *process.Process
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	mm := &MonitoringManager{log: log}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		mm.proc = p
	} else {
		log.Warn("Process stats unavailable", "error", err)
	}
	return mm
}

func (mm *MonitoringManager) IncrMessagesSent()     { atomic.AddUint64(&mm.messagesSent, 1) }
func (mm *MonitoringManager) IncrMessagesReceived() { atomic.AddUint64(&mm.messagesReceived, 1) }
func (mm *MonitoringManager) IncrMessagesDeduped()  { atomic.AddUint64(&mm.messagesDeduped, 1) }
func (mm *MonitoringManager) IncrErrorCount()       { atomic.AddUint64(&mm.errorCount, 1) }

func (mm *MonitoringManager) AddPurged(n int) {
	if n > 0 {
		atomic.AddUint64(&mm.purgedMessages, uint64(n))
	}
}

// Consume lets the manager sit on the session event stream as a sink, so the
// send/receive counters track what subscribers actually see.
func (mm *MonitoringManager) Consume(e event.SessionEvent) {
	switch e.(type) {
	case event.MessageSent:
		mm.IncrMessagesSent()
	case event.MessageReceived:
		mm.IncrMessagesReceived()
	case event.MessageDeduped:
		mm.IncrMessagesDeduped()
	case event.ErrorEvent:
		mm.IncrErrorCount()
	}
}

// Refresh recomputes the snapshot from the counters and the Go runtime.
func (mm *MonitoringManager) Refresh() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.latest.MessagesSent = atomic.LoadUint64(&mm.messagesSent)
	mm.latest.MessagesReceived = atomic.LoadUint64(&mm.messagesReceived)
	mm.latest.MessagesDeduped = atomic.LoadUint64(&mm.messagesDeduped)
	mm.latest.PurgedMessages = atomic.LoadUint64(&mm.purgedMessages)
	mm.latest.ErrorCount = atomic.LoadUint64(&mm.errorCount)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.latest.AllocMemMb = m.Alloc / 1024 / 1024
	mm.latest.NumGC = m.NumGC

	if mm.proc != nil {
		if mem, err := mm.proc.MemoryInfo(); err == nil {
			mm.latest.RSSMb = mem.RSS / 1024 / 1024
		}
		if cpu, err := mm.proc.CPUPercent(); err == nil {
			mm.latest.CPUPercent = cpu
		}
	}

	mm.log.Debug("Stats refreshed",
		"sent", mm.latest.MessagesSent,
		"received", mm.latest.MessagesReceived,
		"deduped", mm.latest.MessagesDeduped,
		"mem_mb", mm.latest.AllocMemMb,
	)
}

func (mm *MonitoringManager) GetLatest() SessionStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latest
}
