// Package pxidb records server activity and digitizer acquisitions in a ClickHouse database.
package pxidb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a connection to the database, or a dummy that records nothing.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	activity *ActivityMessage
	acqmsg   chan *AcquisitionMessage
	abort    <-chan struct{}
	sync.WaitGroup
}

const databaseName = "pxidig" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether messages reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the last database error.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer checks that the server at addr is alive.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// Start connects to the server at addr, records the start of activity and
// handles messages until abort is closed, when the end of activity is recorded.
func Start(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.activity = activity
	db.abort = abort
	if !db.IsConnected() {
		return db
	}
	db.Add(1)
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// Dummy returns a connection that records nothing.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("PXIDIG_DB_USER"),
		Password: os.Getenv("PXIDIG_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "pxidig", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.acqmsg = make(chan *AcquisitionMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	a := db.activity
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion,
		a.Start.Format(timeFormat), a.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into activity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case m := <-db.acqmsg:
			db.handleAcquisition(m)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() && db.activity != nil {
		db.activity.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordAcquisition stores an acquisition in the DB (if it's open). It does not block.
func (db *Connection) RecordAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.ActivityID == "" && db.activity != nil {
		msg.ActivityID = db.activity.ID
	}
	go db.enqueue(msg)
}

// enqueue hands msg to the connection handler, or drops it once aborted.
func (db *Connection) enqueue(msg *AcquisitionMessage) {
	select {
	case db.acqmsg <- msg:
	case <-db.abort:
	}
}

func (db *Connection) handleAcquisition(m *AcquisitionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO acquisitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Product, m.Serial, m.Chassis, m.Slot,
		m.Mode, m.NSeq, m.ChannelMask, m.Samples, m.Segments, m.Accumulations, m.Repetitions,
		m.Start.Format(timeFormat), m.End.Format(timeFormat), m.Error,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into acquisitions ", err)
		db.err = err
	}
}
