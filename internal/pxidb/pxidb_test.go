package pxidb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDummyConnection(t *testing.T) {
	db := Dummy()
	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())
	// Records nothing and never blocks.
	db.RecordAcquisition(&AcquisitionMessage{ID: "x"})
	db.RecordAcquisition(nil)
	db.Wait()

	var nilDB *Connection
	assert.False(t, nilDB.IsConnected())
	assert.NoError(t, nilDB.Err())
	nilDB.RecordAcquisition(&AcquisitionMessage{})
}

func TestStartWithoutServer(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a TCP port")
	}
	abort := make(chan struct{})
	defer close(abort)
	// Port 1 on localhost refuses connections.
	db := Start("127.0.0.1:1", &ActivityMessage{ID: "s", Start: time.Now()}, abort)
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	db.RecordAcquisition(&AcquisitionMessage{ID: "a"})
	db.Wait()
}

func TestEnqueueAfterAbort(t *testing.T) {
	abort := make(chan struct{})
	db := &Connection{acqmsg: make(chan *AcquisitionMessage), abort: abort}
	close(abort)
	done := make(chan struct{})
	go func() {
		db.enqueue(&AcquisitionMessage{ID: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked after abort")
	}
}

func TestEnqueueDelivers(t *testing.T) {
	db := &Connection{acqmsg: make(chan *AcquisitionMessage), abort: make(chan struct{})}
	go db.enqueue(&AcquisitionMessage{ID: "a"})
	select {
	case m := <-db.acqmsg:
		assert.Equal(t, "a", m.ID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
