package cluster

import (
	"fmt"
	"time"
)

type NodeState string

const (
	NodeStateProvisioning    NodeState = "provisioning"
	NodeStateStarting        NodeState = "starting"
	NodeStateStartTaskFailed NodeState = "start-task-failed"
	NodeStateIdle            NodeState = "idle"
	NodeStateUnusable        NodeState = "unusable"
	NodeStateOther           NodeState = "other"
)

// Ready reports whether a node can accept tasks.
func (s NodeState) Ready() bool {
	return s == NodeStateIdle
}

// Failed reports whether a node will never become ready on its own.
func (s NodeState) Failed() bool {
	return s == NodeStateStartTaskFailed || s == NodeStateUnusable
}

// Terminal reports whether a node is done provisioning, successfully or not.
func (s NodeState) Terminal() bool {
	return s.Ready() || s.Failed()
}

type Node struct {
	ID     string
	PoolID string
	State  NodeState
}

type ImageReference struct {
	Publisher string `json:"publisher" yaml:"publisher"`
	Offer     string `json:"offer" yaml:"offer"`
	SKU       string `json:"sku" yaml:"sku"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
}

func (r ImageReference) IsZero() bool {
	return r.Publisher == "" && r.Offer == "" && r.SKU == ""
}

func (r ImageReference) String() string {
	if r.Version != "" {
		return fmt.Sprintf("%s:%s:%s:%s", r.Publisher, r.Offer, r.SKU, r.Version)
	}
	return fmt.Sprintf("%s:%s:%s", r.Publisher, r.Offer, r.SKU)
}

// Image is an image reference resolved against the control plane, paired with
// the node agent able to run it.
type Image struct {
	NodeAgentSKU string
	Reference    ImageReference
}

type StartTask struct {
	CommandLine    string
	ResourceFiles  []ResourceFile
	Elevation      Elevation
	WaitForSuccess bool
}

type PoolSpec struct {
	ID                     string
	VMSize                 string
	NodeCount              int
	Image                  ImageReference
	InterNodeCommunication bool
	TaskSlotsPerNode       int
	ResizeTimeout          time.Duration
	StartTask              *StartTask
}

func (spec PoolSpec) Validate() error {
	if spec.ID == "" {
		return fmt.Errorf("pool id is required")
	}
	if spec.NodeCount < 1 {
		return fmt.Errorf("node count must be at least 1, got %d", spec.NodeCount)
	}
	if spec.VMSize == "" {
		return fmt.Errorf("vm size is required")
	}
	if spec.Image.IsZero() {
		return fmt.Errorf("image reference is required")
	}
	if spec.StartTask != nil && spec.StartTask.CommandLine == "" {
		return fmt.Errorf("start task command line is required")
	}
	return nil
}

// Pool is the observed state of a pool, as reported by the control plane.
type Pool struct {
	ID           string
	TargetNodes  int
	CurrentNodes int
	Resizing     bool
	ResizeErrors []string
}
