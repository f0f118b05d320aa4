package main

import (
	"encoding/json"
	"fmt"

	// it is ok to use math/rand here: we do not need a cryptographically secure random
	// number generator here and we can run the benchmark a bit faster
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"hyperraft/types"
)

const (
	sendTimeout = 10 * time.Second
	// see https://github.com/tendermint/tendermint/blob/master/rpc/lib/server/handlers.go
	pingPeriod = (30 * 9 / 10) * time.Second
)

// sender is one synthetic account: a keypair plus its running nonce.
type sender struct {
	priv  ed25519.PrivKey
	addr  tmbytes.HexBytes
	nonce uint64
}

type transacter struct {
	Target      string
	Rate        int // batches per second per connection
	BatchSize   int
	Connections int
	Accounts    int

	conns       []*websocket.Conn
	connsBroken []bool
	senders     []*sender
	sendersMtx  sync.Mutex
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool

	logger log.Logger
}

func newTransacter(target string, connections, rate, batchSize, accounts int) *transacter {
	senders := make([]*sender, accounts)
	for i := range senders {
		priv := ed25519.GenPrivKey()
		senders[i] = &sender{
			priv: priv,
			addr: tmbytes.HexBytes(priv.PubKey().Address()),
		}
	}
	return &transacter{
		Target:      target,
		Rate:        rate,
		BatchSize:   batchSize,
		Accounts:    accounts,
		Connections: connections,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		senders:     senders,
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	t.stopped = false

	rand.Seed(time.Now().Unix())

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop drains batch results from the connection.
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop submits batches at the configured rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	var batchNumber = 0

	pingsTicker := time.NewTicker(pingPeriod)
	batchTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		batchTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-batchTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numSent := t.Rate
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < t.Rate; i++ {
				id := fmt.Sprintf("bench-%d-%d-%d", connIndex, startTime.UnixNano(), batchNumber)
				txs := t.generateBatch()
				paramsJSON, err := json.Marshal(map[string]interface{}{
					"id":         id,
					"txs":        txs,
					"timeout_ms": int(sendTimeout / time.Millisecond),
				})
				if err != nil {
					fmt.Printf("failed to encode params: %v\n", err)
					os.Exit(1)
				}

				c.SetWriteDeadline(now.Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCStringID("hyperraft-bench"),
					Method:  "submit_batch",
					Params:  json.RawMessage(paramsJSON),
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("batch send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this batch
						numSent = i + 1
						break
					}
				}

				batchNumber++
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d batches", numSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			// go-rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.stopped {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}

			return
		}
	}
}

// rawTx mirrors the wire form the rpc expects.
type rawTx struct {
	Sender    tmbytes.HexBytes `json:"sender"`
	Nonce     uint64           `json:"nonce"`
	Payload   tmbytes.HexBytes `json:"payload"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// generateBatch builds one batch of signed transactions across random
// senders with strictly increasing per-sender nonces.
func (t *transacter) generateBatch() []rawTx {
	t.sendersMtx.Lock()
	defer t.sendersMtx.Unlock()

	txs := make([]rawTx, t.BatchSize)
	for i := range txs {
		s := t.senders[rand.Intn(t.Accounts)]
		s.nonce++

		payload := make([]byte, 64)
		rand.Read(payload)

		tx := &types.Tx{
			Sender:  types.Address(s.addr.Bytes()),
			Nonce:   s.nonce,
			Payload: payload,
		}
		sig, err := s.priv.Sign(tx.SignBytes())
		if err != nil {
			panic(err)
		}

		txs[i] = rawTx{
			Sender:    s.addr,
			Nonce:     s.nonce,
			Payload:   payload,
			Signature: sig,
		}
	}
	return txs
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}
