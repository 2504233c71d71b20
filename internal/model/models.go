package model

import "time"

// HeaderKeyword opens every bridge pool assignment document.
const HeaderKeyword = "bridge-pool-assignment"

// IndexEntry is one file listed in the remote index.
// It only lives while the index is being resolved.
type IndexEntry struct {
	Path         string    // Relative to the base URL, e.g. "recent/bridge-pool-assignments/2022-04-09-00-29-37"
	LastModified time.Time // UTC
	Size         int64     // 0 when the index omits it
}

// RawDocument is the unparsed bytes of one remote file.
// Treat as immutable once created.
type RawDocument struct {
	Path         string
	LastModified time.Time
	Content      []byte
}

// Assignment holds the attributes parsed from one entry line.
// Optional fields are nil when the key was absent from the line.
type Assignment struct {
	Fingerprint        string
	DistributionMethod string
	Transport          *string
	IP                 *string
	Blocklist          *string
	Distributed        bool
	State              *string
	Bandwidth          *string
	Ratio              *float32
	RawLine            []byte // Trimmed line bytes, input to the record digest
}

// AssignmentSet is a parsed document.
type AssignmentSet struct {
	Published time.Time // UTC
	Header    string
	Entries   *Entries
}

// DigestedDocument is a parsed document paired with its content addresses,
// ready for export.
type DigestedDocument struct {
	Document RawDocument
	Set      *AssignmentSet
	File     FileRecord
	Rows     []AssignmentRow
}

// FileRecord is the persisted form of one document.
// Digest is the hex SHA-256 of the raw document bytes.
type FileRecord struct {
	Digest    string
	Published time.Time
	Header    string
}

// AssignmentRow is the persisted form of one entry.
// Digest is derived from the file digest and the raw line bytes.
type AssignmentRow struct {
	Digest             string
	Published          time.Time
	Fingerprint        string
	DistributionMethod string
	Transport          *string
	IP                 *string
	Blocklist          *string
	FileDigest         string // Foreign key to FileRecord.Digest
	Distributed        bool
	State              *string
	Bandwidth          *string
	Ratio              *float32
}
