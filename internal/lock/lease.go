// Package lock implements the section lock table: time-bounded, revocable
// leases granting exclusive write access to one section. Lease state lives
// entirely in Redis, so every API process and browser tab observes the same
// holder; a key either exists with all holder fields set or does not exist
// at all.
package lock

import "time"

// Editor identifies the person requesting or holding a lease.
type Editor struct {
	ID    string
	Name  string
	Email string
}

// Lease is the stored value of one held lock.
type Lease struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	UserEmail string    `json:"userEmail"`
	TabID     string    `json:"tabId"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Status is the derived view of a lease relative to a viewer. It is
// recomputed on every read and never persisted.
type Status struct {
	IsLocked      bool          `json:"isLocked"`
	IsExpired     bool          `json:"isExpired"`
	CanEdit       bool          `json:"canEdit"`
	LockedBy      string        `json:"lockedBy,omitempty"`
	LockedByName  string        `json:"lockedByName,omitempty"`
	LockedByEmail string        `json:"lockedByEmail,omitempty"`
	LockedTabID   string        `json:"lockedTabId,omitempty"`
	ExpiresIn     time.Duration `json:"-"`
}

// ComputeStatus derives the lock status for a viewer at the given instant.
// A nil lease means unlocked. An expired lease is reported but does not
// block editing.
func ComputeStatus(lease *Lease, viewerID string, now time.Time) Status {
	if lease == nil {
		return Status{CanEdit: true}
	}
	expired := now.After(lease.ExpiresAt)
	remaining := lease.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		IsLocked:      true,
		IsExpired:     expired,
		CanEdit:       expired || lease.UserID == viewerID,
		LockedBy:      lease.UserID,
		LockedByName:  lease.UserName,
		LockedByEmail: lease.UserEmail,
		LockedTabID:   lease.TabID,
		ExpiresIn:     remaining,
	}
}
