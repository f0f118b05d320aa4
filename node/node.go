package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"

	cfg "hyperraft/config"
	"hyperraft/core"
	"hyperraft/crypto/bls"
	"hyperraft/election"
	"hyperraft/libs/metric"
	"hyperraft/mempool"
	"hyperraft/pipeline"
	"hyperraft/privval"
	"hyperraft/rpc"
	"hyperraft/state"
	"hyperraft/store"
	"hyperraft/types"
)

const defaultPoolCapacity = 1000

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node assembles and runs every component of one consensus replica:
// durable log store, state manager, election manager with its p2p
// reactor, batch pool, validation pipeline, orchestrator and the
// jsonrpc surface.
type Node struct {
	service.BaseService

	config  *cfg.Config
	genDoc  *types.GenesisDoc
	privVal types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	// consensus stack
	logStore    store.Store
	stateMgr    *state.Manager
	electionMgr *election.Manager
	reactor     *election.Reactor
	pool        mempool.BatchPool
	pipe        *pipeline.Pipeline
	orchestr    *core.Core
	pipeQuit    chan struct{}

	metricSet   *metric.Set
	rpcListener net.Listener
}

type Option func(*Node)

func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, errors.Wrap(err, "load node key")
	}

	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, errors.Wrap(err, "load genesis doc")
	}

	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile())

	return NewNode(config, genDoc, pv, nodeKey, logger)
}

func NewNode(
	config *cfg.Config,
	genDoc *types.GenesisDoc,
	pv types.PrivValidator,
	nodeKey *p2p.NodeKey,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	config.Consensus.Byzantine = genDoc.Byzantine

	logStore, err := store.NewKVStore("hyperraft", config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}

	stateMgr, err := state.NewManager(logStore, genDoc.MembershipSet(), logger.With("module", "state"))
	if err != nil {
		return nil, errors.Wrap(err, "recover state")
	}

	electionMgr := election.NewManager(config.Consensus, genDoc.ChainID, pv, stateMgr)
	electionMgr.SetLogger(logger.With("module", "election"))

	reactor := election.NewReactor(electionMgr)
	reactor.SetLogger(logger.With("module", "election"))

	pool := mempool.NewListPool(defaultPoolCapacity)
	pool.SetLogger(logger.With("module", "mempool"))

	pipeQuit := make(chan struct{})
	pipe := pipeline.NewPipeline(config.Pipeline, stateMgr, bls.GenProofKey(), pipeQuit)
	pipe.SetLogger(logger.With("module", "pipeline"))

	orchestr := core.NewCore(config.Pipeline, genDoc.ChainID, pool, stateMgr, electionMgr, pipe)
	orchestr.SetLogger(logger.With("module", "core"))

	nodeInfo, err := makeNodeInfo(config, nodeKey, pv)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(config, transport, reactor, nodeInfo, nodeKey, logger.With("module", "p2p"))

	ms := metric.NewSet()
	ms.Register("election", electionMgr.Metric())
	ms.Register("pipeline", pipe.Metrics())
	ms.Register("core", orchestr.Metric())

	node := &Node{
		config:      config,
		genDoc:      genDoc,
		privVal:     pv,
		transport:   transport,
		sw:          sw,
		nodeInfo:    nodeInfo,
		nodeKey:     nodeKey,
		logStore:    logStore,
		stateMgr:    stateMgr,
		electionMgr: electionMgr,
		reactor:     reactor,
		pool:        pool,
		pipe:        pipe,
		orchestr:    orchestr,
		pipeQuit:    pipeQuit,
		metricSet:   ms,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}
	return node, nil
}

func createTransport(nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

// p2pConfig maps our p2p section onto the tendermint switch config.
func p2pConfig(config *cfg.Config) *tmcfg.P2PConfig {
	p2pCfg := tmcfg.DefaultP2PConfig()
	p2pCfg.ListenAddress = config.P2P.ListenAddress
	p2pCfg.ExternalAddress = config.P2P.ExternalAddress
	p2pCfg.PersistentPeers = config.P2P.PersistentPeers
	return p2pCfg
}

func createSwitch(
	config *cfg.Config,
	transport p2p.Transport,
	reactor *election.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger,
) *p2p.Switch {
	sw := p2p.NewSwitch(p2pConfig(config), transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("ELECTION", reactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(config *cfg.Config, nodeKey *p2p.NodeKey, pv types.PrivValidator) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(8, 11, 0),
		DefaultNodeID:   nodeKey.ID(),
		Network:         "hyperraft",
		Version:         version.TMCoreSemVer,
		Channels: []byte{
			election.RequestVoteChannel,
			election.VoteChannel,
			election.AppendChannel,
			election.AppendReplyChannel,
		},
		// the reactor routes unicast messages by validator address,
		// which travels in the moniker
		Moniker: pv.GetAddress().String(),
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func (n *Node) OnStart() error {
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.electionMgr.Start(); err != nil {
		return err
	}
	if err := n.orchestr.Start(); err != nil {
		return err
	}

	if err := n.startRPC(); err != nil {
		return err
	}

	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	return nil
}

func (n *Node) OnStop() {
	if n.rpcListener != nil {
		n.rpcListener.Close()
	}

	if err := n.orchestr.Stop(); err != nil {
		n.Logger.Error("failed trying to stop orchestrator", "error", err)
	}
	close(n.pipeQuit)
	if err := n.electionMgr.Stop(); err != nil {
		n.Logger.Error("failed trying to stop election manager", "error", err)
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("failed trying to stop switch", "error", err)
	}
	n.transport.Close()

	if err := n.logStore.Close(); err != nil {
		n.Logger.Error("failed trying to close log store", "error", err)
	}
}

func (n *Node) startRPC() error {
	rpc.SetEnvironment(&rpc.Environment{
		Core:      n.orchestr,
		Pool:      n.pool,
		StateMgr:  n.stateMgr,
		MetricSet: n.metricSet,
	})

	rpcLogger := n.Logger.With("module", "rpc")
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

	wm := rpcserver.NewWebsocketManager(rpc.Routes)
	wm.SetLogger(rpcLogger)
	mux.HandleFunc("/websocket", wm.WebsocketHandler)

	rpcConfig := rpcserver.DefaultConfig()
	listener, err := rpcserver.Listen(n.config.RPC.ListenAddress, rpcConfig)
	if err != nil {
		return errors.Wrap(err, "rpc listen")
	}
	n.rpcListener = listener

	go func() {
		if err := rpcserver.Serve(listener, mux, rpcLogger, rpcConfig); err != nil {
			rpcLogger.Error("rpc server terminated", "err", err)
		}
	}()
	return nil
}

func (n *Node) Switch() *p2p.Switch { return n.sw }

func (n *Node) NodeInfo() p2p.NodeInfo { return n.nodeInfo }

func (n *Node) Core() *core.Core { return n.orchestr }

func (n *Node) StateManager() *state.Manager { return n.stateMgr }

// splitAndTrimEmpty slices s by sep, trims cutset from each element
// and drops the empties.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
