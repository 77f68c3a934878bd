package model

import "time"

// ReadMark is a pending read state received from the remote sync service,
// applied to local items after a sync pass.
type ReadMark struct {
	ID       int64
	FeedURL  string
	ItemGUID string
	MarkedAt time.Time
}

// OutboundReadMark is a locally recorded read the peer has not
// acknowledged yet.
type OutboundReadMark struct {
	ItemID   int64
	FeedURL  string
	ItemGUID string
	ReadTime time.Time
}
