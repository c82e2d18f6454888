package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cortex/internal/engine"
	"github.com/dreamware/cortex/internal/jobs"
	"github.com/dreamware/cortex/internal/protocol"
	"github.com/dreamware/cortex/internal/shardrouter"
)

// startTestServer opens a Server on loopback ephemeral ports and returns its
// resolved addresses; shutdown is registered with t.Cleanup.
func startTestServer(t *testing.T) (dataAddr, controlAddr string) {
	t.Helper()
	return startTestServerWithOptions(t, Options{})
}

func startTestServerWithOptions(t *testing.T, extra Options) (dataAddr, controlAddr string) {
	t.Helper()
	router, err := shardrouter.Open(t.TempDir(), 2, engine.Options{})
	require.NoError(t, err)

	opts := Options{
		BindAddr:              "127.0.0.1:0",
		ControlAddr:           "127.0.0.1:0",
		WorkerPoolSize:        4,
		ControlWorkerPoolSize: 2,
		ShutdownDrainTimeout:  time.Second,
		SecureMode:            extra.SecureMode,
		AuthSecret:            extra.AuthSecret,
	}
	srv := New(router, nil, nil, opts)

	done := make(chan struct{})
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Serve()
		close(done)
	}()

	// Serve binds listeners synchronously before the accept loops spin up,
	// but the goroutine above races this goroutine's read of the listener
	// addresses, so poll briefly until they're non-nil.
	deadline := time.Now().Add(2 * time.Second)
	for srv.dataListener == nil || srv.controlListener == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		_ = srv.Shutdown()
		<-done
		_ = router.Close()
	})

	return srv.dataListener.Addr().String(), srv.controlListener.Addr().String()
}

func TestServerHandlesBinaryLearnAndQuery(t *testing.T) {
	dataAddr, _ := startTestServer(t)

	conn, err := net.DialTimeout("tcp", dataAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	opts := protocol.DefaultLearnOptions()
	opts.GenerateEmbedding = false
	opts.ExtractAssociations = false

	learnReq := protocol.Request{ReqID: 1, Body: protocol.LearnConcept{Content: "hello world", Options: opts}}
	require.NoError(t, protocol.WriteRequest(conn, learnReq))
	learnResp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Nil(t, learnResp.Err)
	learnResult, ok := learnResp.Result.(protocol.LearnResult)
	require.True(t, ok)

	queryReq := protocol.Request{ReqID: 2, Body: protocol.QueryConcept{ID: learnResult.ID}}
	require.NoError(t, protocol.WriteRequest(conn, queryReq))
	queryResp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Nil(t, queryResp.Err)
	conceptResult, ok := queryResp.Result.(protocol.ConceptResult)
	require.True(t, ok)
	assert.Equal(t, "hello world", conceptResult.Concept.Content)
}

func TestServerHandlesNLControlGrammar(t *testing.T) {
	_, controlAddr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", controlAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_, err = conn.Write([]byte("LEARN the sky is blue\n"))
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Regexp(t, `^OK [0-9a-f]{32}`, line)

	_, err = conn.Write([]byte("STATS\n"))
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Regexp(t, `^OK concepts=`, line)

	_, err = conn.Write([]byte("bogus command\n"))
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Regexp(t, `^ERR`, line)
}

func TestServerShutdownDrainsAndFlushes(t *testing.T) {
	router, err := shardrouter.Open(t.TempDir(), 1, engine.Options{})
	require.NoError(t, err)
	defer router.Close()

	srv := New(router, nil, nil, Options{
		BindAddr:    "127.0.0.1:0",
		ControlAddr: "127.0.0.1:0",
	})
	go srv.Serve()

	deadline := time.Now().Add(2 * time.Second)
	for srv.dataListener == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, srv.Shutdown())
}

func TestSecureModeAcceptsSignedRequestAndRejectsUnsigned(t *testing.T) {
	dataAddr, _ := startTestServerWithOptions(t, Options{SecureMode: true, AuthSecret: "shared-secret"})

	guard := newAuthGuard("shared-secret")
	learnReq := protocol.Request{ReqID: 1, Body: protocol.LearnConcept{Content: "signed fact", Options: protocol.DefaultLearnOptions()}}
	payload, err := protocol.EncodeRequest(learnReq)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", dataAddr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WriteFrame(conn, guard.sign(payload)))

	respPayload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	inner, err := guard.verify(respPayload)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(inner)
	require.NoError(t, err)
	require.Nil(t, resp.Err)

	// An unsigned (plain) frame on a second connection must be rejected.
	conn2, err := net.DialTimeout("tcp", dataAddr, time.Second)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, protocol.WriteFrame(conn2, payload))

	respPayload2, err := protocol.ReadFrame(conn2)
	require.NoError(t, err)
	resp2, err := protocol.DecodeResponse(respPayload2)
	require.NoError(t, err)
	require.NotNil(t, resp2.Err)
	assert.Equal(t, protocol.KindFramingError, resp2.Err.Kind)
}

func TestAuthGuardRejectsReplay(t *testing.T) {
	guard := newAuthGuard("s3cr3t")
	signed := guard.sign([]byte("payload"))

	_, err := guard.verify(signed)
	require.NoError(t, err)

	_, err = guard.verify(signed)
	require.Error(t, err)
}

func TestAuthGuardRejectsTamperedPayload(t *testing.T) {
	guard := newAuthGuard("s3cr3t")
	signed := guard.sign([]byte("payload"))
	signed[len(signed)-1] ^= 0xff

	_, err := guard.verify(signed)
	assert.Error(t, err)
}

func TestNewDefaultsAppliedAndNilRunnerSafe(t *testing.T) {
	router, err := shardrouter.Open(t.TempDir(), 1, engine.Options{})
	require.NoError(t, err)
	defer router.Close()

	var runner *jobs.Runner
	srv := New(router, nil, runner, Options{})
	assert.Equal(t, ":50051", srv.opts.BindAddr)
	assert.Equal(t, ":9000", srv.opts.ControlAddr)
	assert.Equal(t, 64, srv.opts.WorkerPoolSize)
}
