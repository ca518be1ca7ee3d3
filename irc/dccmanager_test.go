// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, config DCCConfig) (*Manager, *Session, *fakeConn) {
	t.Helper()
	session, fc := newTestSession(t, ConnectionConfig{})
	manager := NewManager(session, config)
	return manager, session, fc
}

// waitForStatus polls a transfer until it reaches the wanted status.
func waitForStatus(t *testing.T, m *Manager, id uint64, status TransferStatus) FileTransfer {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last FileTransfer
	for time.Now().Before(deadline) {
		record, ok := m.Get(id)
		if !ok {
			t.Fatalf("transfer %d disappeared", id)
		}
		last = record
		if record.Status == status {
			return record
		}
		if record.Status == TransferFailed && status != TransferFailed {
			t.Fatalf("transfer %d failed: %s", id, record.FailureCause)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transfer %d stuck in %s (wanted %s)", id, last.Status, status)
	return last
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTransferIDsMonotonicNewestFirst(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Minute})
	for i := 0; i < 3; i++ {
		offer := fmt.Sprintf("SEND file%d.bin 2130706433 5000 64", i)
		if err := m.handleCTCP("alice", offer); err != nil {
			t.Fatal(err)
		}
	}
	transfers := m.List()
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}
	for i, record := range transfers {
		if i > 0 && transfers[i-1].ID <= record.ID {
			t.Fatalf("List is not newest first: %v", transfers)
		}
	}
	if transfers[0].Filename != "file2.bin" {
		t.Errorf("newest transfer should lead: %q", transfers[0].Filename)
	}
}

func TestOfferTimeoutIsIsolated(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: 100 * time.Millisecond})
	if err := m.handleCTCP("alice", "SEND stale.bin 2130706433 5000 64"); err != nil {
		t.Fatal(err)
	}
	first := m.List()[0].ID

	record := waitForStatus(t, m, first, TransferFailed)
	if !strings.Contains(record.FailureCause, "timed out") {
		t.Errorf("cause = %q", record.FailureCause)
	}

	// a transfer created afterwards is untouched by the earlier failure
	if err := m.handleCTCP("alice", "SEND fresh.bin 2130706433 5000 64"); err != nil {
		t.Fatal(err)
	}
	second := m.List()[0].ID
	if second == first {
		t.Fatal("expected a new transfer")
	}
	if record, _ := m.Get(second); record.Status != TransferPending {
		t.Errorf("new transfer status = %s", record.Status)
	}
}

func TestAcceptDeclineCancelStateRules(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Minute})

	if err := m.Accept(999, "/tmp/nope"); err != errTransferUnknown {
		t.Errorf("expected errTransferUnknown, got %v", err)
	}
	if err := m.Decline(999); err != errTransferUnknown {
		t.Errorf("expected errTransferUnknown, got %v", err)
	}

	if err := m.handleCTCP("alice", "SEND gift.bin 2130706433 5000 64"); err != nil {
		t.Fatal(err)
	}
	id := m.List()[0].ID

	if err := m.Decline(id); err != nil {
		t.Fatal(err)
	}
	record, _ := m.Get(id)
	if record.Status != TransferFailed {
		t.Errorf("declined transfer status = %s", record.Status)
	}

	// terminal transfers reject further decisions
	if err := m.Decline(id); err != errTransferNotPending {
		t.Errorf("expected errTransferNotPending, got %v", err)
	}
	if err := m.Accept(id, "/tmp/nope"); err != errTransferNotPending {
		t.Errorf("expected errTransferNotPending, got %v", err)
	}
	// cancelling a finished transfer is a harmless no-op
	if err := m.Cancel(id); err != nil {
		t.Errorf("Cancel on a terminal transfer: %v", err)
	}
}

func TestCancelPendingOffer(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Minute})
	if err := m.handleCTCP("alice", "SEND gift.bin 2130706433 5000 64"); err != nil {
		t.Fatal(err)
	}
	id := m.List()[0].ID
	if err := m.Cancel(id); err != nil {
		t.Fatal(err)
	}
	record, _ := m.Get(id)
	if record.Status != TransferFailed || !strings.Contains(record.FailureCause, "cancelled") {
		t.Errorf("got %s / %q", record.Status, record.FailureCause)
	}
}

func TestCancelAll(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Minute})
	for i := 0; i < 3; i++ {
		m.handleCTCP("alice", fmt.Sprintf("SEND f%d 2130706433 5000 64", i))
	}
	m.CancelAll("connection lost")
	for _, record := range m.List() {
		if record.Status != TransferFailed || record.FailureCause != "connection lost" {
			t.Errorf("transfer %d: %s / %q", record.ID, record.Status, record.FailureCause)
		}
	}
}

func TestOversizedOfferRejected(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Minute, MaxFileSizeRaw: "1K", maxFileSize: 1024})
	err := m.handleCTCP("alice", "SEND huge.bin 2130706433 5000 1048576")
	if err == nil {
		t.Fatal("expected the oversized offer to be rejected")
	}
	if len(m.List()) != 0 {
		t.Errorf("rejected offer should not be recorded")
	}
}

func TestReceiveRequestEventEmitted(t *testing.T) {
	m, session, _ := newTestManager(t, DCCConfig{Timeout: time.Minute})
	if err := m.handleCTCP("alice", "SEND gift.bin 2130706433 5000 64 sha256=abcd"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-session.Events():
			if request, ok := event.(ReceiveRequestEvent); ok {
				if request.From != "alice" || request.Filename != "gift.bin" || request.Size != 64 {
					t.Errorf("got %#v", request)
				}
				if request.Metadata["sha256"] != "abcd" {
					t.Errorf("metadata not carried: %#v", request.Metadata)
				}
				return
			}
		case <-deadline:
			t.Fatal("no ReceiveRequestEvent observed")
		}
	}
}

func TestSendFilePassive(t *testing.T) {
	content := bytes.Repeat([]byte("kestrel"), 4096)
	path := writeTempFile(t, content)

	m, _, fc := newTestManager(t, DCCConfig{
		Passive:     true,
		BindAddress: "127.0.0.1",
		Timeout:     5 * time.Second,
	})
	id, err := m.SendFile("alice", path)
	if err != nil {
		t.Fatal(err)
	}

	// the offer goes out as a CTCP PRIVMSG with our listener's address
	lines := waitForLines(t, fc, 1)
	offer := extractDCCOffer(t, lines[0])
	if offer.Filename != "payload.bin" || offer.Size != uint64(len(content)) {
		t.Fatalf("offer = %#v", offer)
	}
	if offer.Port == 0 {
		t.Fatal("a listening offer must carry a concrete port")
	}
	if offer.Metadata["sha256"] == "" {
		t.Fatal("offer should declare a checksum")
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", offer.Port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	received := readAllWithAcks(t, conn, int(offer.Size))
	if !bytes.Equal(received, content) {
		t.Fatal("received content differs")
	}

	record := waitForStatus(t, m, id, TransferCompleted)
	expectedSum := sha256.Sum256(content)
	if record.Checksum != hex.EncodeToString(expectedSum[:]) {
		t.Errorf("checksum = %q", record.Checksum)
	}
	if record.Transferred != uint64(len(content)) {
		t.Errorf("transferred = %d", record.Transferred)
	}
}

func TestSendFileReverseOffer(t *testing.T) {
	content := []byte("small payload")
	path := writeTempFile(t, content)

	m, _, fc := newTestManager(t, DCCConfig{Timeout: 5 * time.Second})
	id, err := m.SendFile("alice", path)
	if err != nil {
		t.Fatal(err)
	}

	lines := waitForLines(t, fc, 1)
	offer := extractDCCOffer(t, lines[0])
	if offer.Port != 0 || offer.Token == "" {
		t.Fatalf("expected a reverse offer, got %#v", offer)
	}

	// play the receiver: listen, echo the token back with our address
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	reply := fmt.Sprintf("SEND payload.bin 2130706433 %d %d %s", port, len(content), offer.Token)
	if err := m.handleCTCP("alice", reply); err != nil {
		t.Fatal(err)
	}

	conn, err := listener.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	received := readAllWithAcks(t, conn, len(content))
	if !bytes.Equal(received, content) {
		t.Fatal("received content differs")
	}
	waitForStatus(t, m, id, TransferCompleted)
}

func TestReceiveFlow(t *testing.T) {
	payload := bytes.Repeat([]byte("data!"), 2000)
	listener, sent := startTestSender(t, payload)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	m, _, _ := newTestManager(t, DCCConfig{Timeout: 5 * time.Second})
	sum := sha256.Sum256(payload)
	offer := fmt.Sprintf("SEND gift.bin 2130706433 %d %d sha256=%s", port, len(payload), hex.EncodeToString(sum[:]))
	if err := m.handleCTCP("bob", offer); err != nil {
		t.Fatal(err)
	}
	id := m.List()[0].ID

	dest := filepath.Join(t.TempDir(), "gift.bin")
	if err := m.Accept(id, dest); err != nil {
		t.Fatal(err)
	}

	record := waitForStatus(t, m, id, TransferCompleted)
	if record.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %q", record.Checksum)
	}
	written, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, payload) {
		t.Fatal("file content differs")
	}

	select {
	case finalAck := <-sent:
		if finalAck != uint32(len(payload)) {
			t.Errorf("final ack = %d, expected %d", finalAck, len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender never saw the final ack")
	}
}

func TestReceiveChecksumMismatch(t *testing.T) {
	payload := []byte("corrupted in transit")
	listener, _ := startTestSender(t, payload)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	m, _, _ := newTestManager(t, DCCConfig{Timeout: 5 * time.Second})
	offer := fmt.Sprintf("SEND gift.bin 2130706433 %d %d sha256=%s", port, len(payload), strings.Repeat("0", 64))
	if err := m.handleCTCP("bob", offer); err != nil {
		t.Fatal(err)
	}
	id := m.List()[0].ID
	if err := m.Accept(id, filepath.Join(t.TempDir(), "gift.bin")); err != nil {
		t.Fatal(err)
	}

	record := waitForStatus(t, m, id, TransferFailed)
	if record.FailureCause != errChecksumMismatch.Error() {
		t.Errorf("cause = %q", record.FailureCause)
	}
}

func TestReceiveSizeMismatch(t *testing.T) {
	payload := []byte("short")
	listener, _ := startTestSender(t, payload)
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Second})
	// the offer declares more bytes than the sender will deliver
	offer := fmt.Sprintf("SEND gift.bin 2130706433 %d %d", port, len(payload)+100)
	if err := m.handleCTCP("bob", offer); err != nil {
		t.Fatal(err)
	}
	id := m.List()[0].ID
	if err := m.Accept(id, filepath.Join(t.TempDir(), "gift.bin")); err != nil {
		t.Fatal(err)
	}
	record := waitForStatus(t, m, id, TransferFailed)
	if record.FailureCause == "" {
		t.Error("expected a failure cause")
	}
}

func TestSendFileErrors(t *testing.T) {
	m, _, _ := newTestManager(t, DCCConfig{Timeout: time.Minute, maxFileSize: 4})
	if _, err := m.SendFile("alice", filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := m.SendFile("alice", t.TempDir()); err == nil {
		t.Error("expected an error for a directory")
	}
	path := writeTempFile(t, []byte("exceeds limit"))
	if _, err := m.SendFile("alice", path); err == nil {
		t.Error("expected an error for an oversized file")
	}
}

// startTestSender plays the remote sending side: accept one connection,
// write the payload, then report the last cumulative ack it reads.
func startTestSender(t *testing.T, payload []byte) (net.Listener, chan uint32) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	acks := make(chan uint32, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := conn.Write(payload); err != nil {
			return
		}
		var last uint32
		buf := make([]byte, 4)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, err := io.ReadFull(conn, buf); err != nil {
				break
			}
			last = binary.BigEndian.Uint32(buf)
			if last == uint32(len(payload)) {
				break
			}
		}
		acks <- last
	}()
	return listener, acks
}

func readAllWithAcks(t *testing.T, conn net.Conn, size int) []byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	received := make([]byte, 0, size)
	buf := make([]byte, 4096)
	var ack [4]byte
	for len(received) < size {
		n, err := conn.Read(buf)
		if n > 0 {
			received = append(received, buf[:n]...)
			binary.BigEndian.PutUint32(ack[:], uint32(len(received)))
			if _, err := conn.Write(ack[:]); err != nil {
				t.Fatal(err)
			}
		}
		if err != nil {
			t.Fatalf("read failed after %d bytes: %v", len(received), err)
		}
	}
	return received
}

func extractDCCOffer(t *testing.T, line string) dccOffer {
	t.Helper()
	// PRIVMSG alice :\x01DCC SEND ...\x01
	start := strings.Index(line, "\x01DCC ")
	if start == -1 || !strings.HasSuffix(line, "\x01") {
		t.Fatalf("not a CTCP DCC line: %q", line)
	}
	args := line[start+len("\x01DCC ") : len(line)-1]
	offer, err := parseDCCOffer(args)
	if err != nil {
		t.Fatalf("failed to parse offer %q: %v", args, err)
	}
	return offer
}

func TestTransferRecordsCarrySecureFlag(t *testing.T) {
	session, _ := newTestSession(t, ConnectionConfig{TLS: true})
	m := NewManager(session, DCCConfig{Timeout: time.Minute})
	if err := m.handleCTCP("alice", "SEND gift.bin 2130706433 5000 64"); err != nil {
		t.Fatal(err)
	}
	record := m.List()[0]
	if !record.Secure {
		t.Error("offer negotiated over a TLS control connection should be marked secure")
	}

	plain, _ := newTestSession(t, ConnectionConfig{})
	mp := NewManager(plain, DCCConfig{Timeout: time.Minute})
	if err := mp.handleCTCP("alice", "SEND gift.bin 2130706433 5000 64"); err != nil {
		t.Fatal(err)
	}
	if mp.List()[0].Secure {
		t.Error("offer over a plaintext connection should not be marked secure")
	}
}

func TestTransferDisplayOrdering(t *testing.T) {
	base := FileTransfer{ID: 7, Peer: "alice", Filename: "a.bin", Direction: TransferSend}

	newer := base
	newer.ID = 8
	if !transferDisplayLess(newer, base) || transferDisplayLess(base, newer) {
		t.Error("newer transfers sort first")
	}

	recv := base
	recv.Direction = TransferReceive
	if !transferDisplayLess(base, recv) {
		t.Error("sends sort before receives at equal age")
	}

	otherPeer := base
	otherPeer.Peer = "bob"
	if !transferDisplayLess(base, otherPeer) {
		t.Error("remote user breaks direction ties")
	}

	secure := base
	secure.Secure = true
	if !transferDisplayLess(secure, base) {
		t.Error("secure transfers sort before insecure ones")
	}

	otherFile := base
	otherFile.Filename = "b.bin"
	if !transferDisplayLess(base, otherFile) {
		t.Error("filename is the final tiebreaker")
	}
}
