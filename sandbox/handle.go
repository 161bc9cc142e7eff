// Package sandbox creates and destroys the ephemeral execution pods and
// talks to the sidecar container inside them.
package sandbox

import (
	"time"
)

// Status is a pod's position in its lifecycle. A pod moves
// starting → warm → executing → deleting; unhealthy is a sink reached from
// warm after repeated probe failures and transitions straight to deleting.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusWarm      Status = "warm"
	StatusExecuting Status = "executing"
	StatusUnhealthy Status = "unhealthy"
	StatusDeleting  Status = "deleting"
)

// PodType distinguishes pre-warmed pool pods from on-demand execution pods
// in the cluster labels.
type PodType string

const (
	PodTypePool      PodType = "pool"
	PodTypeExecution PodType = "execution"
)

// Handle is the in-memory identity of one sandbox pod. A handle is
// exclusively owned at all times: by a pool's available queue, by a single
// in-flight request, or by the destroyer. Owners mutate it behind their own
// lock; the handle itself carries no synchronization.
type Handle struct {
	UID       string
	Name      string
	Namespace string
	Language  string
	PodIP     string
	Status    Status
	CreatedAt time.Time
	SessionID string

	// HealthCheckFailures counts consecutive probe failures; it resets on
	// the first success and evicts the pod at three.
	HealthCheckFailures int
}
