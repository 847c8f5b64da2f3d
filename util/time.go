package util

// ISO8601 is the timestamp layout used on the wire, millisecond
// precision with a literal Z suffix.
const ISO8601 = "2006-01-02T15:04:05.000Z"
