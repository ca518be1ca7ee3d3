// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelirc/kestrel/irc/utils"
)

// Manager owns every file transfer of one session: it assigns identifiers,
// runs the offer/accept handshakes, and bounds concurrency with a
// semaphore so a flood of transfers cannot exhaust sockets.
type Manager struct {
	session *Session
	config  DCCConfig
	sem     utils.Semaphore

	mutex  sync.Mutex // tier 1
	tasks  map[uint64]*transferTask
	nextID uint64
}

// NewManager prepares the transfer manager for a session.
func NewManager(session *Session, config DCCConfig) *Manager {
	if config.Timeout == 0 {
		config.Timeout = defaultTransferTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	manager := &Manager{
		session: session,
		config:  config,
		tasks:   make(map[uint64]*transferTask),
	}
	manager.sem.Initialize(config.MaxConcurrent)
	return manager
}

func (m *Manager) notify(snapshot FileTransfer) {
	m.session.emit(TransferEvent{Server: m.session.config.Name(), Transfer: snapshot})
}

// register allocates an identifier and stores a new task. Identifiers are
// strictly increasing for the life of the manager; later IDs always mean
// later transfers, which is what List's ordering relies on.
func (m *Manager) register(record FileTransfer) (*transferTask, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.nextID == math.MaxUint64 {
		return nil, errTransferIDsExhausted
	}
	m.nextID++
	record.ID = m.nextID
	record.CreatedAt = time.Now().UTC()
	record.UpdatedAt = record.CreatedAt
	task := &transferTask{
		manager:   m,
		record:    record,
		cancelled: make(chan struct{}),
	}
	m.tasks[record.ID] = task
	return task, nil
}

func (m *Manager) get(id uint64) *transferTask {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.tasks[id]
}

// findByToken matches a reverse-mode reply (or resume handshake) to the
// task that initiated it.
func (m *Manager) findByToken(token string, direction TransferDirection) *transferTask {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, task := range m.tasks {
		if task.token == token && task.record.Direction == direction {
			return task
		}
	}
	return nil
}

func (m *Manager) findByPort(port uint16, direction TransferDirection) *transferTask {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, task := range m.tasks {
		if task.record.Direction != direction {
			continue
		}
		if (direction == TransferSend && task.listenPort == port) ||
			(direction == TransferReceive && task.peerPort == port) {
			return task
		}
	}
	return nil
}

// SendFile offers a local file to target and returns the new transfer's
// identifier. In passive mode we open the data listener and the other
// party connects to us; otherwise we emit a reverse offer (port 0 plus a
// token) and connect out once the other party answers with their address.
func (m *Manager) SendFile(target, path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("cannot send a directory: %s", path)
	}
	size := uint64(info.Size())
	if limit := m.config.MaxFileSize(); limit != 0 && size > limit {
		return 0, fmt.Errorf("file exceeds the configured size limit: %s", path)
	}
	checksum, err := hashFile(path)
	if err != nil {
		return 0, err
	}

	task, err := m.register(FileTransfer{
		Peer:      target,
		Filename:  filepath.Base(path),
		Path:      path,
		Direction: TransferSend,
		Status:    TransferPending,
		Secure:    m.session.config.TLS,
		Size:      size,
	})
	if err != nil {
		return 0, err
	}
	task.metadata = map[string]string{"sha256": checksum}

	if m.config.Passive {
		listener, err := utils.ListenPortRange(m.config.BindAddress, m.config.PortRangeLow, m.config.PortRangeHigh)
		if err != nil {
			task.fail(err)
			return task.record.ID, err
		}
		port := uint16(listener.Addr().(*net.TCPAddr).Port)
		task.listenPort = port
		offer := formatDCCSend(task.record.Filename, m.session.localIP(), port, size, "", task.metadata)
		if err := m.session.sendCTCP(target, offer); err != nil {
			listener.Close()
			task.fail(err)
			return task.record.ID, err
		}
		task.setStatus(TransferQueued, "")
		go m.serveSend(task, listener)
		return task.record.ID, nil
	}

	task.token = strconv.FormatUint(task.record.ID, 10)
	offer := formatDCCSend(task.record.Filename, m.session.localIP(), 0, size, task.token, task.metadata)
	if err := m.session.sendCTCP(target, offer); err != nil {
		task.fail(err)
		return task.record.ID, err
	}
	m.notify(task.snapshot())
	task.armTimeout(m.config.Timeout)
	return task.record.ID, nil
}

// serveSend waits for the receiver on our listener, then streams.
func (m *Manager) serveSend(task *transferTask, listener net.Listener) {
	conn, err := task.waitForPeer(listener, m.config.Timeout)
	if err != nil {
		task.fail(err)
		return
	}
	m.runWithSlot(task, conn, func() {
		task.runSend(conn, m.config.Timeout)
	})
}

// startReverseSend resumes a reverse offer once the other party has told
// us where to connect.
func (m *Manager) startReverseSend(task *transferTask, ip net.IP, port uint16) {
	task.mutex.Lock()
	task.peerIP = ip
	task.peerPort = port
	timer := task.timer
	task.mutex.Unlock()
	if timer != nil {
		timer.Stop()
	}
	task.setStatus(TransferQueued, "")
	go func() {
		conn, err := m.dialPeer(task)
		if err != nil {
			task.fail(err)
			return
		}
		m.runWithSlot(task, conn, func() {
			task.runSend(conn, m.config.Timeout)
		})
	}()
}

func (m *Manager) dialPeer(task *transferTask) (net.Conn, error) {
	task.mutex.Lock()
	addr := net.JoinHostPort(task.peerIP.String(), strconv.Itoa(int(task.peerPort)))
	task.mutex.Unlock()
	return net.DialTimeout("tcp", addr, m.config.Timeout)
}

// runWithSlot holds a concurrency slot for the duration of a data loop.
// Waiting for a slot counts against nothing: the task stays Queued.
func (m *Manager) runWithSlot(task *transferTask, conn net.Conn, run func()) {
	select {
	case <-m.sem:
	case <-task.cancelled:
		conn.Close()
		task.fail(errTransferCancelled)
		return
	}
	defer m.sem.Release()
	run()
}

// handleCTCP processes an inbound DCC message from nick. SEND is either a
// fresh offer or the answer to one of our reverse offers; RESUME and
// ACCEPT are the two halves of the resume handshake.
func (m *Manager) handleCTCP(nick, args string) error {
	offer, err := parseDCCOffer(args)
	if err != nil {
		return err
	}

	switch offer.Command {
	case "SEND":
		if offer.Token != "" {
			if task := m.findByToken(offer.Token, TransferSend); task != nil && task.status() == TransferPending {
				if offer.Port == 0 {
					return errMalformedDCC
				}
				m.startReverseSend(task, offer.IP, offer.Port)
				return nil
			}
		}
		return m.registerIncoming(nick, offer)
	case "RESUME":
		return m.handleResumeRequest(offer)
	case "ACCEPT":
		return m.handleResumeAccepted(offer)
	default:
		return errUnsupportedDCCCommand
	}
}

// registerIncoming records an unsolicited offer and asks the application
// to decide. The offer expires on its own if nobody does.
func (m *Manager) registerIncoming(nick string, offer dccOffer) error {
	if limit := m.config.MaxFileSize(); limit != 0 && offer.Size > limit {
		return fmt.Errorf("rejecting oversized offer from %s: %s (%d bytes)", nick, offer.Filename, offer.Size)
	}

	task, err := m.register(FileTransfer{
		Peer:      nick,
		Filename:  filepath.Base(offer.Filename),
		Direction: TransferReceive,
		Status:    TransferPending,
		Secure:    m.session.config.TLS,
		Size:      offer.Size,
	})
	if err != nil {
		return err
	}
	task.peerIP = offer.IP
	task.peerPort = offer.Port
	task.token = offer.Token
	task.metadata = offer.Metadata

	m.notify(task.snapshot())
	task.armTimeout(m.config.Timeout)
	m.session.emit(ReceiveRequestEvent{
		Server:   m.session.config.Name(),
		ID:       task.record.ID,
		From:     nick,
		Filename: task.record.Filename,
		Size:     offer.Size,
		Secure:   task.record.Secure,
		Metadata: offer.Metadata,
	})
	return nil
}

// Accept agrees to a pending inbound offer, storing the file at destPath.
// When destPath already holds a shorter previous attempt, the transfer is
// resumed from where it left off.
func (m *Manager) Accept(id uint64, destPath string) error {
	task := m.get(id)
	if task == nil {
		return errTransferUnknown
	}

	task.mutex.Lock()
	if task.record.Direction != TransferReceive || task.record.Status != TransferPending {
		task.mutex.Unlock()
		return errTransferNotPending
	}
	task.record.Path = destPath
	timer := task.timer
	reverse := task.token != ""
	task.mutex.Unlock()
	if timer != nil {
		timer.Stop()
	}

	// resume handshake is only defined for offers where the sender listens
	if !reverse {
		if info, err := os.Stat(destPath); err == nil {
			existing := uint64(info.Size())
			if 0 < existing && existing < task.record.Size {
				task.offset = existing
				task.setStatus(TransferQueued, "")
				task.armTimeout(m.config.Timeout)
				return m.session.sendCTCP(task.record.Peer,
					formatDCCResume("RESUME", task.record.Filename, task.peerPort, existing, ""))
			}
		}
	}

	task.setStatus(TransferQueued, "")

	if reverse {
		listener, err := utils.ListenPortRange(m.config.BindAddress, m.config.PortRangeLow, m.config.PortRangeHigh)
		if err != nil {
			task.fail(err)
			return err
		}
		port := uint16(listener.Addr().(*net.TCPAddr).Port)
		task.listenPort = port
		echo := formatDCCSend(task.record.Filename, m.session.localIP(), port, task.record.Size, task.token, nil)
		if err := m.session.sendCTCP(task.record.Peer, echo); err != nil {
			listener.Close()
			task.fail(err)
			return err
		}
		go m.serveReceive(task, listener)
		return nil
	}

	go m.dialAndReceive(task)
	return nil
}

func (m *Manager) serveReceive(task *transferTask, listener net.Listener) {
	conn, err := task.waitForPeer(listener, m.config.Timeout)
	if err != nil {
		task.fail(err)
		return
	}
	m.runWithSlot(task, conn, func() {
		task.runReceive(conn, m.config.Timeout, m.config.MaxFileSize())
	})
}

func (m *Manager) dialAndReceive(task *transferTask) {
	conn, err := m.dialPeer(task)
	if err != nil {
		task.fail(err)
		return
	}
	m.runWithSlot(task, conn, func() {
		task.runReceive(conn, m.config.Timeout, m.config.MaxFileSize())
	})
}

// handleResumeRequest answers a receiver asking to restart one of our
// outbound transfers partway through the file.
func (m *Manager) handleResumeRequest(offer dccOffer) error {
	task := m.findByPort(offer.Port, TransferSend)
	if task == nil || task.status() != TransferQueued {
		return errTransferUnknown
	}
	if offer.Position >= task.record.Size {
		return errMalformedDCC
	}
	task.mutex.Lock()
	task.offset = offer.Position
	task.mutex.Unlock()
	return m.session.sendCTCP(task.record.Peer,
		formatDCCResume("ACCEPT", task.record.Filename, offer.Port, offer.Position, offer.Token))
}

// handleResumeAccepted completes our side of the resume handshake: the
// sender agreed, so connect and read from the offset.
func (m *Manager) handleResumeAccepted(offer dccOffer) error {
	task := m.findByPort(offer.Port, TransferReceive)
	if task == nil || task.status() != TransferQueued || task.offset == 0 {
		return errTransferUnknown
	}
	task.mutex.Lock()
	timer := task.timer
	task.mutex.Unlock()
	if timer != nil {
		timer.Stop()
	}
	go m.dialAndReceive(task)
	return nil
}

// Decline refuses a pending inbound offer.
func (m *Manager) Decline(id uint64) error {
	task := m.get(id)
	if task == nil {
		return errTransferUnknown
	}
	task.mutex.Lock()
	pending := task.record.Direction == TransferReceive && task.record.Status == TransferPending
	task.mutex.Unlock()
	if !pending {
		return errTransferNotPending
	}
	task.cancel(errTransferDeclined)
	return nil
}

// Cancel aborts a transfer in any non-terminal state. Cancelling a
// transfer that already finished is a no-op.
func (m *Manager) Cancel(id uint64) error {
	task := m.get(id)
	if task == nil {
		return errTransferUnknown
	}
	switch task.status() {
	case TransferCompleted, TransferFailed:
		return nil
	default:
		task.cancel(errTransferCancelled)
		return nil
	}
}

// CancelAll aborts every non-terminal transfer, typically because the
// control connection went away.
func (m *Manager) CancelAll(cause string) {
	m.mutex.Lock()
	tasks := make([]*transferTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mutex.Unlock()

	err := errors.New(cause)
	for _, task := range tasks {
		switch task.status() {
		case TransferCompleted, TransferFailed:
		default:
			task.cancel(err)
		}
	}
}

// Get returns the current record of one transfer.
func (m *Manager) Get(id uint64) (FileTransfer, bool) {
	task := m.get(id)
	if task == nil {
		return FileTransfer{}, false
	}
	return task.snapshot(), true
}

// List returns a snapshot of every transfer the manager has seen, in
// display order: newest first, then direction, remote user, secure flag
// and filename. Identifiers increase monotonically, so the order is total.
func (m *Manager) List() []FileTransfer {
	m.mutex.Lock()
	result := make([]FileTransfer, 0, len(m.tasks))
	for _, task := range m.tasks {
		result = append(result, task.snapshot())
	}
	m.mutex.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return transferDisplayLess(result[i], result[j])
	})
	return result
}

// transferDisplayLess is the display ordering of transfer records.
func transferDisplayLess(a, b FileTransfer) bool {
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	if a.Direction != b.Direction {
		return a.Direction < b.Direction
	}
	if a.Peer != b.Peer {
		return a.Peer < b.Peer
	}
	if a.Secure != b.Secure {
		return a.Secure
	}
	return a.Filename < b.Filename
}
