package offline

import (
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

// SyncStatus is the coarse state of the last sync pass.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// SyncInfo summarizes sync progress for the UI. LastSyncAt is epoch
// milliseconds of the last pass that finished without error.
type SyncInfo struct {
	Status            SyncStatus `json:"status"`
	LastSyncAt        int64      `json:"lastSyncAt,omitempty"`
	PendingOperations int        `json:"pendingOperations"`
	FailedOperations  int        `json:"failedOperations"`
	Error             string     `json:"error,omitempty"`
}

// State is everything the app shows about offline mode. SyncInterval is in
// seconds.
type State struct {
	IsOnline     bool        `json:"isOnline"`
	IsConnected  bool        `json:"isConnected"`
	Queue        queue.Stats `json:"queue"`
	SyncInfo     SyncInfo    `json:"syncInfo"`
	CacheEnabled bool        `json:"cacheEnabled"`
	CacheSize    int64       `json:"cacheSize"`
	AutoSync     bool        `json:"autoSync"`
	SyncInterval int         `json:"syncInterval"`
}
