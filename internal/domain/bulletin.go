package domain

// DeleteSentinel is the edit text that removes a bulletin instead of
// replacing its content.
const DeleteSentinel = "del"

// Bulletin is a single announcement held in the ledger.
type Bulletin struct {
	// Timestamp is the creation time in seconds since epoch. Edits keep it.
	Timestamp int64 `json:"ts"`

	// ID is derived from the author and message ids, see BulletinID.
	ID uint64 `json:"id"`

	// Important is carried for compatibility with existing snapshots. Nothing
	// sets it.
	Important bool `json:"important"`

	// Text is the announcement body.
	Text string `json:"text"`
}

// BulletinID derives the bulletin identifier from the posting author and the
// channel's message id. The product wraps on overflow and is not collision
// free: any two pairs with the same product share an id.
func BulletinID(authorID uint64, messageID uint32) uint64 {
	return authorID * uint64(messageID)
}

// Event is an inbound create or edit notification from the channel.
type Event struct {
	// Seq is the channel's position for this event. Zero when the source has
	// no notion of a cursor.
	Seq int64 `json:"seq,omitempty"`

	AuthorID  uint64 `json:"author_id"`
	MessageID uint32 `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	IsEdit    bool   `json:"is_edit"`

	// Text is nil for messages without a text payload (stickers, photos).
	Text *string `json:"text,omitempty"`
}
