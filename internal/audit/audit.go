// Package audit appends admission decisions to a JSONL log so quota
// rejections can be investigated after the fact.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp    string `json:"timestamp"`
	Decision     string `json:"decision"`
	Bucket       string `json:"bucket"`
	Reason       string `json:"reason,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	rejectCount atomic.Int64
)

// Init opens the admission audit log under homeDir/logs. Idempotent.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "admission.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the total number of admission rejections since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one admission decision. decision is "admit" or "reject";
// reason carries the rejection reason, connectionID the allocated ID on admit.
func Record(decision, bucket, reason, connectionID string) {
	if decision == "reject" {
		rejectCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Decision:     decision,
		Bucket:       bucket,
		Reason:       reason,
		ConnectionID: connectionID,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
