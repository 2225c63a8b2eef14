// Package node names the surface every long-running umicpd process exposes.
package node

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Node is a runnable endpoint with an admin HTTP surface.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	Run(ctx context.Context) error
}

// Info is the JSON summary of a node for status output.
type Info struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

func Describe(n Node) Info {
	return Info{ID: n.NodeID(), Kind: n.Kind()}
}
