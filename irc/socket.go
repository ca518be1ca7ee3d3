// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"sync"
)

const (
	// sendQueueLen bounds how many outbound lines may wait for the wire.
	// A full queue blocks the senders (backpressure) instead of dropping.
	sendQueueLen = 128
)

// Socket is the write half of a framed connection: a single ordered queue
// drained by one writer goroutine, so concurrently issued commands are
// never interleaved mid-line and always reach the wire in submission order.
type Socket struct {
	conn IRCConn

	linesToSend chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	doneWriting chan struct{}

	errMutex   sync.Mutex
	writeError error
}

// NewSocket starts the writer goroutine for conn.
func NewSocket(conn IRCConn) *Socket {
	socket := &Socket{
		conn:        conn,
		linesToSend: make(chan []byte, sendQueueLen),
		closed:      make(chan struct{}),
		doneWriting: make(chan struct{}),
	}
	go socket.run()
	return socket
}

func (socket *Socket) run() {
	defer close(socket.doneWriting)
	for {
		select {
		case line := <-socket.linesToSend:
			if err := socket.conn.WriteLine(line); err != nil {
				socket.setWriteError(err)
				return
			}
		case <-socket.closed:
			// flush lines queued before the close (QUIT in particular)
			for {
				select {
				case line := <-socket.linesToSend:
					if err := socket.conn.WriteLine(line); err != nil {
						socket.setWriteError(err)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Write enqueues one encoded line, blocking when the queue is full. It
// fails once the socket is closed or the transport has errored.
func (socket *Socket) Write(line []byte) error {
	select {
	case <-socket.closed:
		return errSendQClosed
	case <-socket.doneWriting:
		return socket.WriteError()
	case socket.linesToSend <- line:
		return nil
	}
}

// Close stops the writer after flushing lines already queued. Closing the
// socket does not close the underlying conn (the session owns that).
func (socket *Socket) Close() {
	socket.closeOnce.Do(func() {
		close(socket.closed)
	})
}

// WriteError reports the transport error that stopped the writer, if any.
func (socket *Socket) WriteError() error {
	socket.errMutex.Lock()
	defer socket.errMutex.Unlock()
	if socket.writeError != nil {
		return socket.writeError
	}
	return errSendQClosed
}

func (socket *Socket) setWriteError(err error) {
	socket.errMutex.Lock()
	socket.writeError = err
	socket.errMutex.Unlock()
}
