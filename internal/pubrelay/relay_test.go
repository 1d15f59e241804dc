package pubrelay

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/potproxy/internal/socket"
)

func TestRunForwardsByteExact(t *testing.T) {
	workerPub, err := socket.ListenWorkerPub(filepath.Join(t.TempDir(), "pub.sock"))
	if err != nil {
		t.Fatalf("listen worker pub: %v", err)
	}
	defer workerPub.Close()

	extPub, err := socket.ListenPub("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("listen ext pub: %v", err)
	}
	defer extPub.Close()
	go extPub.Serve()

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- workerPub.AcceptNext() }()

	workerConn, err := net.Dial("unix", workerPub.Addr())
	if err != nil {
		t.Fatalf("dial worker pub: %v", err)
	}
	defer workerConn.Close()
	workerFC := socket.NewFrameConn(workerConn)
	if err := <-acceptDone; err != nil {
		t.Fatalf("accept worker pub: %v", err)
	}

	subConn, err := net.Dial("tcp", extPub.Addr().String())
	if err != nil {
		t.Fatalf("dial ext pub: %v", err)
	}
	defer subConn.Close()
	subFC := socket.NewFrameConn(subConn)
	if err := subFC.Send([]byte("")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	relay := New("kpfguide", workerPub, extPub, false)
	go relay.Run()

	frame := []byte("kpfguide.DISP2MSG;bulk 0000000a \x00\x20binary")
	if err := workerFC.Send(frame); err != nil {
		t.Fatalf("worker send: %v", err)
	}

	got, err := subFC.Recv()
	if err != nil {
		t.Fatalf("subscriber recv: %v", err)
	}
	if len(got) != 1 || string(got[0]) != string(frame) {
		t.Fatalf("frame mismatch: got %v, want %v", got, frame)
	}
}
