package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTestNode creates and starts a node on a loopback port.
func startTestNode(t *testing.T, key ed25519.PrivateKey) *Node {
	t.Helper()

	node, err := NewNode(Config{
		PrivateKey:     key,
		ListenAddr:     "127.0.0.1:0",
		ReconnectDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	return node
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node := startTestNode(t, generateTestKey(t))

	if node.Addr() == "" {
		t.Error("started node should report its address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: ":0"}); err == nil {
		t.Error("missing key should be rejected")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("missing listen address should be rejected")
	}
}

// TestNodeConnect tests connecting two nodes.
func TestNodeConnect(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	defer server.Close()

	var serverConnected atomic.Bool
	server.OnConnect(func(p *Peer) {
		serverConnected.Store(true)
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer public key mismatch")
	}

	time.Sleep(100 * time.Millisecond)

	if !serverConnected.Load() {
		t.Error("server did not receive connection")
	}

	if len(client.Peers()) != 1 {
		t.Errorf("client peer count: got %d, want 1", len(client.Peers()))
	}

	if len(server.Peers()) != 1 {
		t.Errorf("server peer count: got %d, want 1", len(server.Peers()))
	}
}

func TestDialReusesConnection(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	defer server.Close()

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	pub := serverKey.Public().(ed25519.PublicKey)
	ctx := context.Background()

	first, err := client.Dial(ctx, pub, server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	second, err := client.Dial(ctx, pub, server.Addr())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}

	if first != second {
		t.Error("dial should reuse the live connection")
	}

	if client.getPeer(pub) != first {
		t.Error("the dialed peer should be registered")
	}
}

func TestDialNotifiesConnectOnce(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	var connects atomic.Int32
	client.OnConnect(func(p *Peer) {
		connects.Add(1)
	})

	for i := 0; i < 2; i++ {
		if _, err := client.Dial(context.Background(), server.PublicKey(), server.Addr()); err != nil {
			t.Fatalf("dial: %v", err)
		}
	}

	if got := connects.Load(); got != 1 {
		t.Errorf("connect notifications: got %d, want 1", got)
	}
}

func TestDialRejectsUnexpectedKey(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	other := generateTestKey(t).Public().(ed25519.PublicKey)

	if _, err := client.Dial(context.Background(), other, server.Addr()); err == nil {
		t.Fatal("dial should fail when the server presents another key")
	}

	if len(client.Peers()) != 0 {
		t.Errorf("rejected connection should not be registered, got %d peers", len(client.Peers()))
	}
}

// TestNodeDisconnect tests disconnect detection.
func TestNodeDisconnect(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	disconnected := make(chan struct{})
	var once sync.Once
	server.OnDisconnect(func(p *Peer) {
		once.Do(func() { close(disconnected) })
	})

	client := startTestNode(t, generateTestKey(t))

	if _, err := client.Dial(context.Background(), server.PublicKey(), server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	client.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	time.Sleep(100 * time.Millisecond)

	if len(server.Peers()) != 0 {
		t.Errorf("server peer count: got %d, want 0", len(server.Peers()))
	}
}

// TestNodeReconnect tests automatic reconnection to a dialed peer.
func TestNodeReconnect(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	pub := serverKey.Public().(ed25519.PublicKey)

	if _, err := client.Dial(context.Background(), pub, server.Addr()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	server.Close()

	// Same key, new port: the restarted node announces its new address.
	server2 := startTestNode(t, serverKey)
	defer server2.Close()

	reconnected := make(chan struct{})
	var once sync.Once
	server2.OnConnect(func(p *Peer) {
		once.Do(func() { close(reconnected) })
	})

	client.knownAddrsMu.Lock()
	for k := range client.knownAddrs {
		client.knownAddrs[k] = server2.Addr()
	}
	client.knownAddrsMu.Unlock()

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

// TestRequestResponse tests a request/response exchange.
func TestRequestResponse(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	response, err := peer.Request(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if want := []byte("echo:hello"); !bytes.Equal(response, want) {
		t.Errorf("response mismatch: got %q, want %q", response, want)
	}
}

func TestRequestHandlerError(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected an error when the handler fails")
	}
}

// TestRequestTimeout tests request timeout handling.
func TestRequestTimeout(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected timeout error")
	}

	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("request should give up at the deadline, took %v", elapsed)
	}
}

func TestConcurrentRequests(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return data, nil
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	const count = 20

	var wg sync.WaitGroup
	errs := make(chan error, count)

	for i := range count {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			msg := []byte(fmt.Sprintf("msg-%d", i))
			resp, err := peer.Request(context.Background(), msg)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(resp, msg) {
				errs <- fmt.Errorf("got %q, want %q", resp, msg)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// TestLargeMessage tests a request near the size limit.
func TestLargeMessage(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return []byte(fmt.Sprintf("%d", len(data))), nil
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	large := make([]byte, 1<<20)
	rand.Read(large)

	resp, err := peer.Request(context.Background(), large)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != fmt.Sprintf("%d", len(large)) {
		t.Errorf("server saw %s bytes, want %d", resp, len(large))
	}

	if _, err := peer.Request(context.Background(), make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized request should fail")
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("abc")); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	if buf.Len() != lengthPrefixSize+3 {
		t.Fatalf("framed length: got %d, want %d", buf.Len(), lengthPrefixSize+3)
	}

	got, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}

	if string(got) != "abc" {
		t.Errorf("got %q, want abc", got)
	}

	if _, err := readMessage(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); err == nil {
		t.Error("oversized length prefix should be rejected")
	}
}
