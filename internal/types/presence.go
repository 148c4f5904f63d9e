package types

import "time"

// WorkerPresence is ephemeral: it lives entirely in Redis keyed by
// worker id with a TTL, never in Postgres. An expired key is how a
// dead worker is detected.
type WorkerPresence struct {
	WorkerID     string    `json:"worker_id"`
	CPUs         int       `json:"cpus"`
	Status       string    `json:"status"`
	Hostname     string    `json:"hostname"`
	RegisteredAt time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
