package schema

import (
	"fmt"
	"time"
)

// NodeKind classifies a hierarchy node.
type NodeKind string

const (
	NodeSpace  NodeKind = "space"
	NodeFolder NodeKind = "folder"
	NodeList   NodeKind = "list"
)

// HierarchyNode is one node of the space/folder/list hierarchy.
//
// A list may attach directly to a space, in which case FolderID is empty.
// SpaceID is always set for folders and lists.
type HierarchyNode struct {
	ID       string    `json:"id"`
	Kind     NodeKind  `json:"kind"`
	Name     string    `json:"name"`
	FolderID string    `json:"folder_id,omitempty"`
	SpaceID  string    `json:"space_id,omitempty"`
	Archived bool      `json:"archived"`
	At       time.Time `json:"at"`
}

// Key implements Record.
func (n *HierarchyNode) Key() string { return n.ID }

// ModifiedAt implements Record.
func (n *HierarchyNode) ModifiedAt() time.Time { return n.At }

// Validate checks per-node invariants.
func (n *HierarchyNode) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch n.Kind {
	case NodeSpace, NodeFolder, NodeList:
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	if n.Kind != NodeSpace && n.SpaceID == "" {
		return fmt.Errorf("%s %s has no space reference", n.Kind, n.ID)
	}
	return nil
}

// ResolveBatch checks the batch-level invariant that every list's space
// reference resolves to a space present in the same batch. It returns the
// IDs of lists with dangling space references; those records must not be
// staged.
func ResolveBatch(nodes []*HierarchyNode) []string {
	spaces := make(map[string]bool)
	for _, n := range nodes {
		if n.Kind == NodeSpace {
			spaces[n.ID] = true
		}
	}

	var dangling []string
	for _, n := range nodes {
		if n.Kind == NodeList && !spaces[n.SpaceID] {
			dangling = append(dangling, n.ID)
		}
	}
	return dangling
}
