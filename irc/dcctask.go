// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// TransferDirection says which way the file moves.
type TransferDirection uint

const (
	TransferSend TransferDirection = iota
	TransferReceive
)

func (d TransferDirection) String() string {
	if d == TransferSend {
		return "send"
	}
	return "receive"
}

// TransferStatus is the lifecycle phase of a file transfer. Completed and
// Failed are terminal; every other phase has a deadline attached, so no
// transfer waits forever.
type TransferStatus uint

const (
	// TransferPending: offered, awaiting a decision (ours or the peer's).
	TransferPending TransferStatus = iota
	// TransferQueued: accepted, waiting for the data connection or for a
	// concurrency slot.
	TransferQueued
	// TransferActive: data is flowing.
	TransferActive
	// TransferCompleted: every byte arrived and was verified.
	TransferCompleted
	// TransferFailed: terminal failure; FailureCause says why.
	TransferFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferQueued:
		return "queued"
	case TransferActive:
		return "active"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FileTransfer is the public record of one transfer, as carried by
// TransferEvents and returned from Manager.List.
type FileTransfer struct {
	ID          uint64
	Peer        string
	Filename    string
	Path        string
	Direction   TransferDirection
	Status      TransferStatus
	// Secure records whether the control connection that negotiated this
	// transfer was TLS; the data connection itself is always cleartext.
	Secure      bool
	Size        uint64
	Transferred uint64
	// Checksum is the hex SHA-256 of the file, set on completion.
	Checksum     string
	FailureCause string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	transferChunkSize = 1 << 15
	dccAckLen         = 4
)

// transferTask is the manager's mutable state for one transfer. The public
// record is only ever read through snapshot().
type transferTask struct {
	manager *Manager

	mutex  sync.Mutex // tier 1
	record FileTransfer

	token      string
	metadata   map[string]string
	peerIP     net.IP
	peerPort   uint16
	listenPort uint16
	// offset is the resume position; bytes before it are not re-sent
	offset uint64

	listener net.Listener
	timer    *time.Timer

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (task *transferTask) snapshot() FileTransfer {
	task.mutex.Lock()
	defer task.mutex.Unlock()
	return task.record
}

func (task *transferTask) status() TransferStatus {
	task.mutex.Lock()
	defer task.mutex.Unlock()
	return task.record.Status
}

func (task *transferTask) setStatus(status TransferStatus, cause string) {
	task.mutex.Lock()
	if task.record.Status == TransferCompleted || task.record.Status == TransferFailed {
		task.mutex.Unlock()
		return
	}
	task.record.Status = status
	task.record.FailureCause = cause
	task.record.UpdatedAt = time.Now().UTC()
	snapshot := task.record
	task.mutex.Unlock()
	task.manager.notify(snapshot)
}

func (task *transferTask) complete(checksum string) {
	task.mutex.Lock()
	if task.record.Status == TransferCompleted || task.record.Status == TransferFailed {
		task.mutex.Unlock()
		return
	}
	task.record.Status = TransferCompleted
	task.record.Checksum = checksum
	task.record.UpdatedAt = time.Now().UTC()
	snapshot := task.record
	task.mutex.Unlock()
	task.manager.notify(snapshot)
}

func (task *transferTask) fail(err error) {
	task.setStatus(TransferFailed, err.Error())
}

func (task *transferTask) addTransferred(n uint64) {
	task.mutex.Lock()
	task.record.Transferred += n
	task.mutex.Unlock()
}

// cancel tears the task down: any terminal status set by the data loop
// wins, otherwise the task fails with the given cause.
func (task *transferTask) cancel(err error) {
	task.cancelOnce.Do(func() {
		close(task.cancelled)
	})
	task.mutex.Lock()
	listener := task.listener
	timer := task.timer
	task.mutex.Unlock()
	if listener != nil {
		listener.Close()
	}
	if timer != nil {
		timer.Stop()
	}
	task.fail(err)
}

// armTimeout schedules a timeout failure for the current phase; the
// returned stop function disarms it when the phase completes in time.
func (task *transferTask) armTimeout(d time.Duration) (stop func() bool) {
	timer := time.AfterFunc(d, func() {
		task.cancel(errTransferTimeout)
	})
	task.mutex.Lock()
	task.timer = timer
	task.mutex.Unlock()
	return timer.Stop
}

// waitForPeer blocks until the peer connects to our listener, the phase
// times out, or the task is cancelled.
func (task *transferTask) waitForPeer(listener net.Listener, timeout time.Duration) (net.Conn, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- acceptResult{conn, err}
	}()

	stop := task.armTimeout(timeout)
	defer stop()
	defer listener.Close()

	select {
	case result := <-ch:
		if result.err != nil {
			select {
			case <-task.cancelled:
				return nil, errTransferCancelled
			default:
			}
			return nil, result.err
		}
		return result.conn, nil
	case <-task.cancelled:
		listener.Close()
		return nil, errTransferCancelled
	}
}

// runSend streams the file to an established data connection, hashing as
// it goes and draining the receiver's cumulative acks.
func (task *transferTask) runSend(conn net.Conn, timeout time.Duration) {
	defer conn.Close()

	record := task.snapshot()
	file, err := os.Open(record.Path)
	if err != nil {
		task.fail(err)
		return
	}
	defer file.Close()

	if task.offset != 0 {
		if _, err := file.Seek(int64(task.offset), io.SeekStart); err != nil {
			task.fail(err)
			return
		}
		task.addTransferred(task.offset)
	}

	// some implementations stall when their acks are not consumed
	go io.Copy(io.Discard, conn)

	task.setStatus(TransferActive, "")

	hash := sha256.New()
	buf := make([]byte, transferChunkSize)
	for {
		select {
		case <-task.cancelled:
			task.fail(errTransferCancelled)
			return
		default:
		}

		n, readErr := file.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(buf[:n]); err != nil {
				task.fail(err)
				return
			}
			hash.Write(buf[:n])
			task.addTransferred(uint64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			task.fail(readErr)
			return
		}
	}

	if task.snapshot().Transferred != record.Size {
		task.fail(errTransferSizeMismatch)
		return
	}
	task.complete(hex.EncodeToString(hash.Sum(nil)))
}

// runReceive writes the incoming stream to the destination path, sending
// a cumulative ack after every chunk and verifying size (and the declared
// checksum, when the sender provided one) at the end.
func (task *transferTask) runReceive(conn net.Conn, timeout time.Duration, sizeLimit uint64) {
	defer conn.Close()

	record := task.snapshot()

	flags := os.O_CREATE | os.O_WRONLY
	if task.offset == 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(record.Path, flags, 0644)
	if err != nil {
		task.fail(err)
		return
	}
	defer file.Close()

	if task.offset != 0 {
		if _, err := file.Seek(int64(task.offset), io.SeekStart); err != nil {
			task.fail(err)
			return
		}
		task.addTransferred(task.offset)
	}

	task.setStatus(TransferActive, "")

	hash := sha256.New()
	received := task.offset
	buf := make([]byte, transferChunkSize)
	var ack [dccAckLen]byte
	for received < record.Size {
		select {
		case <-task.cancelled:
			task.fail(errTransferCancelled)
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(timeout))
		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				task.fail(err)
				return
			}
			hash.Write(buf[:n])
			received += uint64(n)
			task.addTransferred(uint64(n))

			if sizeLimit != 0 && received > sizeLimit {
				task.fail(errors.New("transfer exceeds the configured size limit"))
				return
			}
			if received > record.Size {
				task.fail(errTransferSizeMismatch)
				return
			}

			binary.BigEndian.PutUint32(ack[:], uint32(received))
			conn.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(ack[:]); err != nil {
				task.fail(err)
				return
			}
		}
		if readErr != nil {
			if readErr == io.EOF && received == record.Size {
				break
			}
			if readErr == io.EOF {
				task.fail(errTransferSizeMismatch)
				return
			}
			task.fail(readErr)
			return
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	// a resumed transfer hashes only the new bytes, so skip verification
	if declared := task.metadata["sha256"]; declared != "" && task.offset == 0 && declared != checksum {
		task.fail(errChecksumMismatch)
		return
	}
	task.complete(checksum)
}

// hashFile computes the hex SHA-256 of a file, for inclusion in offers.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
