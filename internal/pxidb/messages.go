package pxidb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the activity table: one entry per
// run of the server.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// AcquisitionMessage is the information required to make an entry in the
// acquisitions table.
type AcquisitionMessage struct {
	ID            string
	ActivityID    string
	Product       string
	Serial        string
	Chassis       int
	Slot          int
	Mode          string
	NSeq          int
	ChannelMask   uint32
	Samples       int
	Segments      int
	Accumulations int
	Repetitions   int
	Start         time.Time
	End           time.Time
	Error         string
}
