// Package snowflake hands out the int64 primary keys used for feeds,
// items and read marks. IDs are time-ordered, so newer rows sort after
// older ones even across process restarts.
package snowflake

import "github.com/bwmarrin/snowflake"

var node *snowflake.Node

// Init creates the generator for this instance. nodeID must be unique
// per running instance (0-1023); a single-instance deployment can pass 1.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	node = n
	return nil
}

// NextID returns the next unique ID. Init must have been called first.
func NextID() int64 {
	return node.Generate().Int64()
}
