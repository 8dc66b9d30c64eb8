package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"AttestGate/client"
	"AttestGate/internal/attestation"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running attestd process.
type Node struct {
	id       string             // id is the roster id
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC vote address
	dataDir  string             // dataDir is the node's data directory
	keyPath  string             // keyPath is the node's private key file
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// HTTPAddr returns the node's HTTP address.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.stdout.String(), s)
}

// IsRunning reports whether the process is alive.
func (n *Node) IsRunning() bool {
	return n.cmd != nil && n.cmd.Process != nil && n.cmd.ProcessState == nil
}

// Stop terminates the node process.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	httpBase     int    // httpBase is the starting HTTP port
	quicBase     int    // quicBase is the starting QUIC port
	faults       int    // faults is the tolerated fault count
	phaseTimeout string // phaseTimeout is passed as --phase-timeout
	ledger       string // ledger is the ledger backend of every node
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithHTTPBase sets the starting HTTP port.
func WithHTTPBase(port int) ClusterOption { return func(o *clusterOpts) { o.httpBase = port } }

// WithQUICBase sets the starting QUIC port.
func WithQUICBase(port int) ClusterOption { return func(o *clusterOpts) { o.quicBase = port } }

// WithPhaseTimeout sets the per-phase vote timeout.
func WithPhaseTimeout(d time.Duration) ClusterOption {
	return func(o *clusterOpts) { o.phaseTimeout = d.String() }
}

// Cluster manages a network-mode attestd cluster.
type Cluster struct {
	t          *testing.T  // t is the test context
	nodes      []*Node     // nodes is the list of nodes in roster order
	binaryPath string      // binaryPath is the compiled attestd binary
	testDir    string      // testDir is the temporary directory for node data
	rosterPath string      // rosterPath is the shared roster file
	opts       clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, writes a roster for size nodes, starts them
// all and registers cleanup.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		httpBase:     28000,
		quicBase:     29000,
		faults:       (size - 1) / 3,
		phaseTimeout: "3s",
		ledger:       "local",
	}
	for _, o := range options {
		o(&opts)
	}

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    t.TempDir(),
		opts:       opts,
	}

	c.nodes = make([]*Node, size)
	for i := range c.nodes {
		c.nodes[i] = c.newNode(i)
	}

	c.writeRoster()

	for _, n := range c.nodes {
		c.start(n)
	}
	t.Cleanup(c.Stop)

	c.waitHealthy(30 * time.Second)

	return c
}

// newNode prepares the directories and addresses of node i.
func (c *Cluster) newNode(i int) *Node {
	n := &Node{
		id:       fmt.Sprintf("NODE_%d", i),
		httpAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+i),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+i),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", i)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}
	n.keyPath = filepath.Join(n.dataDir, "key")

	if err := os.MkdirAll(n.dataDir, 0755); err != nil {
		c.t.Fatalf("create node dir %d: %v", i, err)
	}

	return n
}

// writeRoster runs keygen for every node and joins the entries.
func (c *Cluster) writeRoster() {
	c.t.Helper()

	entries := make([]json.RawMessage, 0, len(c.nodes))

	for _, n := range c.nodes {
		out, err := exec.Command(c.binaryPath, "keygen",
			"--key", n.keyPath, "--id", n.id, "--address", n.quicAddr).Output()
		if err != nil {
			c.t.Fatalf("keygen %s: %v", n.id, err)
		}

		entries = append(entries, json.RawMessage(out))
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		c.t.Fatalf("marshal roster: %v", err)
	}

	c.rosterPath = filepath.Join(c.testDir, "roster.json")
	if err := os.WriteFile(c.rosterPath, data, 0644); err != nil {
		c.t.Fatalf("write roster: %v", err)
	}
}

// start launches the node process.
func (c *Cluster) start(n *Node) {
	c.t.Helper()

	args := []string{
		"serve",
		"--mode", "network",
		"--id", n.id,
		"--roster", c.rosterPath,
		"--faults", fmt.Sprintf("%d", c.opts.faults),
		"--data", n.dataDir,
		"--http", n.httpAddr,
		"--quic", n.quicAddr,
		"--key", n.keyPath,
		"--ledger", c.opts.ledger,
		"--phase-timeout", c.opts.phaseTimeout,
		"--rate", "0",
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	n.cmd.Stdout = n.stdout
	n.cmd.Stderr = n.stderr

	if err := n.cmd.Start(); err != nil {
		c.t.Fatalf("start %s: %v", n.id, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go n.cmd.Wait()
}

// waitHealthy polls every node's /health until all answer.
func (c *Cluster) waitHealthy(timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for _, n := range c.nodes {
		cli := client.NewClient(n.httpAddr)

		for cli.Health() != nil {
			if time.Now().After(deadline) || !n.IsRunning() {
				c.t.Fatalf("%s not healthy:\nSTDOUT:\n%s\nSTDERR:\n%s",
					n.id, n.stdout.String(), n.stderr.String())
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
}

// Stop kills all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, node := range c.nodes {
		if node == nil {
			continue
		}

		wg.Add(1)

		go func(n *Node) {
			defer wg.Done()
			n.Stop()
		}(node)
	}

	wg.Wait()
}

// Node returns a node by index.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Client creates a client connected to node i.
func (c *Cluster) Client(i int) *client.Client {
	return client.NewClient(c.nodes[i].httpAddr)
}

// sampleAttestation returns a valid attestation for transaction txID.
func sampleAttestation(txID string) *attestation.Attestation {
	return &attestation.Attestation{
		TransactionID: txID,
		ParticipantID: "BANK_A",
		RecordType:    attestation.RecordPrediction,
		Prediction:    1,
		Confidence:    0.93,
		AnomalyScore:  -0.21,
		RiskScore:     71.4,
		IsAnomaly:     true,
	}
}

// buildBinary compiles the attestd binary.
// Uses a unique temp file per test to avoid races when tests run in parallel.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "attestd_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/attestd")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	t.Cleanup(func() { os.Remove(binary) })

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
