package chat

// Stored-size model for the document store encoding. The rollover trigger is
// only as correct as this model: it may overestimate but must never
// underestimate the size the store actually bills, or a conversation document
// could cross the store's hard ceiling.
const (
	// DocLimitBytes is the store's hard per-document size ceiling.
	DocLimitBytes = 1 << 20

	// fieldNameOverhead is charged per field on top of the name's bytes.
	fieldNameOverhead = 1
	// stringOverhead is charged per string value on top of its UTF-8 bytes.
	stringOverhead = 1
	// timestampBytes is the fixed width charged for a timestamp value.
	timestampBytes = 8
	// entryOverhead pads each array element for per-entry encoding cost and
	// estimation drift across store versions.
	entryOverhead = 16
)

// Field names as billed in the stored message map.
const (
	fieldSender    = "sender"
	fieldText      = "text"
	fieldTimestamp = "timestamp"
)

// Estimator computes the stored byte size of a message record. Versioned so
// a store encoding migration gets a new implementation instead of silently
// drifting the running byte totals.
type Estimator interface {
	Message(m Message) int64
}

// EstimatorV1 models the current document encoding: string fields cost their
// UTF-8 bytes plus one, timestamps a fixed eight bytes, every field its name
// plus one, and each array entry a fixed pad.
type EstimatorV1 struct{}

func (EstimatorV1) Message(m Message) int64 {
	n := int64(entryOverhead)
	n += int64(len(fieldSender)) + fieldNameOverhead + int64(len(m.Sender)) + stringOverhead
	n += int64(len(fieldText)) + fieldNameOverhead + int64(len(m.Text)) + stringOverhead
	n += int64(len(fieldTimestamp)) + fieldNameOverhead + timestampBytes
	return n
}
