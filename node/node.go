// Package node composes the vault, registry, verifier, settlement submitter
// and explorer log into one facilitator node.
package node

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/config"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
	"github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
	"github.com/XavierOP877/x402-avalanche--sub001/settlement"
	signerevm "github.com/XavierOP877/x402-avalanche--sub001/signers/evm"
	"github.com/XavierOP877/x402-avalanche--sub001/store/sqlite"
	"github.com/XavierOP877/x402-avalanche--sub001/vault"
)

// Node is a running facilitator.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *sqlite.DB
	master   *vault.MasterKey
	vault    *vault.Vault
	networks *signerevm.Networks
	chains   settlement.Chains
	upstream x402.FacilitatorClient

	registry    *registry.Registry
	explorer    *explorer.Log
	nonces      *settlement.Nonces
	submitter   *settlement.Submitter
	facilitator *x402.X402Facilitator
}

type options struct {
	logger    *zap.Logger
	master    *vault.MasterKey
	masterSet bool
	chains    settlement.Chains
	upstream  x402.FacilitatorClient
	evmOpts   []evm.FacilitatorOption
	subOpts   []settlement.Option
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMasterKey supplies the vault master key instead of reading it from the
// environment. A nil key runs the node without key custody.
func WithMasterKey(k *vault.MasterKey) Option {
	return func(o *options) {
		o.master = k
		o.masterSet = true
	}
}

// WithChains replaces the RPC connections dialed from the configuration.
func WithChains(c settlement.Chains) Option {
	return func(o *options) { o.chains = c }
}

// WithUpstream forwards verify and supported calls to another facilitator.
func WithUpstream(c x402.FacilitatorClient) Option {
	return func(o *options) { o.upstream = c }
}

// WithVerifierOptions passes extra options to the EVM verifier.
func WithVerifierOptions(opts ...evm.FacilitatorOption) Option {
	return func(o *options) { o.evmOpts = append(o.evmOpts, opts...) }
}

// WithSettlementOptions passes extra options to the submitter.
func WithSettlementOptions(opts ...settlement.Option) Option {
	return func(o *options) { o.subOpts = append(o.subOpts, opts...) }
}

// New builds a node from cfg. It opens storage and, unless WithChains is
// given, dials every configured network.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{cfg: cfg, logger: o.logger, upstream: o.upstream}
	ok := false
	defer func() {
		if !ok {
			n.Close()
		}
	}()

	if err := n.openVault(o); err != nil {
		return nil, err
	}

	var (
		facilitators registry.Store
		entries      explorer.Store
		records      settlement.RecordStore
		nonceStore   settlement.NonceStore
	)
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		facilitators = registry.NewMemoryStore()
		entries = explorer.NewMemoryStore()
		records = settlement.NewMemoryRecordStore()
		nonceStore = settlement.NewMemoryNonceStore()
	default:
		db, err := sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, x402.NewConfigurationError("failed to open storage", err)
		}
		n.db = db
		facilitators = db.Facilitators()
		entries = db.Explorer()
		records = db.Settlements()
		nonceStore = db.Nonces()
	}

	n.chains = o.chains
	if n.chains == nil {
		networks, err := dialNetworks(ctx, cfg, n.logger)
		if err != nil {
			return nil, err
		}
		n.networks = networks
		n.chains = networks
	}

	n.explorer = explorer.NewLog(entries, explorer.WithLogger(n.logger.Named("explorer")))
	n.registry = registry.New(facilitators, n.explorer, registry.WithLogger(n.logger.Named("registry")))
	n.nonces = settlement.NewNonces(nonceStore)

	subOpts := append([]settlement.Option{
		settlement.WithLogger(n.logger.Named("settlement")),
		settlement.WithEvents(n.explorer),
		settlement.WithWatcherConfig(cfg.PollInterval(), cfg.ConfirmationTimeout(), cfg.Settlement.MaxBlocks),
	}, o.subOpts...)
	n.submitter = settlement.NewSubmitter(records, n.nonces, n.registry, sealedKeys{n.vault}, n.chains, subOpts...)

	n.facilitator = x402.Newx402Facilitator(
		x402.WithDirectory(n.registry),
		x402.WithSettler(n.submitter),
		x402.WithSettlementCache(x402.NewSettlementCache(cfg.CacheTTL())),
		x402.WithLogger(n.logger.Named("verifier")),
	)
	n.registerMechanism(o.evmOpts)
	n.facilitator.OnAfterVerify(n.recordVerification)
	n.facilitator.OnVerifyFailure(n.recordVerificationFailure)

	ok = true
	return n, nil
}

func (n *Node) openVault(o options) error {
	master := o.master
	if !o.masterSet {
		k, err := n.cfg.MasterKey()
		if err != nil {
			if x402.CodeOf(err) != vault.CodeMasterKeyMissing {
				return x402.NewConfigurationError("invalid master key in $"+n.cfg.Vault.MasterKeyEnv, err)
			}
			n.logger.Warn("master key not configured; registration and settlement are disabled",
				zap.String("env", n.cfg.Vault.MasterKeyEnv))
			return nil
		}
		master = k
		n.master = k
	}
	if master == nil {
		return nil
	}
	v, err := vault.New(master)
	if err != nil {
		return x402.NewConfigurationError("failed to initialize vault", err)
	}
	n.vault = v
	return nil
}

func dialNetworks(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*signerevm.Networks, error) {
	networks := signerevm.NewNetworks()
	for _, nc := range cfg.Networks {
		netCfg, err := evm.GetNetworkConfig(nc.Network)
		if err != nil {
			networks.Close()
			return nil, x402.NewConfigurationError(err.Error(), nil)
		}
		var chainOpts []signerevm.ChainOption
		if nc.GasLimit > 0 {
			chainOpts = append(chainOpts, signerevm.WithGasLimit(nc.GasLimit))
		}
		chain, err := signerevm.Dial(ctx, nc.RPCURL, netCfg.ChainID, chainOpts...)
		if err != nil {
			networks.Close()
			return nil, x402.NewUpstreamUnavailable("failed to connect to "+nc.Network, err)
		}
		networks.Add(x402.Network(nc.Network), chain)
		logger.Info("network connected", zap.String("network", nc.Network), zap.String("chainId", netCfg.ChainID.String()))
	}
	return networks, nil
}

// registerMechanism enables the exact EVM scheme on every configured network.
// Legacy network names are routed explicitly since they do not match eip155:*.
func (n *Node) registerMechanism(extra []evm.FacilitatorOption) {
	opts := []evm.FacilitatorOption{evm.WithNonceChecker(n.nonces)}
	var legacy []x402.Network
	for _, nc := range n.cfg.Networks {
		network := x402.Network(nc.Network)
		netCfg, err := evm.GetNetworkConfig(nc.Network)
		if err != nil {
			continue
		}
		opts = append(opts, evm.WithNetwork(network, *netCfg))
		if reader, err := n.chains.Reader(network); err == nil {
			opts = append(opts, evm.WithChainReader(network, reader))
		}
		if _, _, err := network.Parse(); err != nil {
			legacy = append(legacy, network)
		}
	}
	opts = append(opts, extra...)

	mechanism := evm.NewExactEvmFacilitator(opts...)
	n.facilitator.Register(x402.Network(mechanism.CaipFamily()), mechanism)
	for _, network := range legacy {
		n.facilitator.Register(network, mechanism)
	}
}

// Run drives the settlement owner loop and watcher plus any extra services
// until ctx is cancelled or one of them fails.
func (n *Node) Run(ctx context.Context, services ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.submitter.Run(gctx)
	})
	for _, svc := range services {
		svc := svc
		g.Go(func() error { return svc(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases storage, RPC connections and the master key.
func (n *Node) Close() error {
	var errs []error
	if n.networks != nil {
		n.networks.Close()
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
	}
	if n.master != nil {
		n.master.Destroy()
	}
	return errors.Join(errs...)
}

// Ping reports whether storage answers.
func (n *Node) Ping(ctx context.Context) error {
	if n.db == nil {
		return nil
	}
	return n.db.Ping(ctx)
}

func (n *Node) Registry() *registry.Registry { return n.registry }

func (n *Node) Explorer() *explorer.Log { return n.explorer }

func (n *Node) Submitter() *settlement.Submitter { return n.submitter }

func (n *Node) Facilitator() *x402.X402Facilitator { return n.facilitator }

// Networks lists the configured networks.
func (n *Node) Networks() []string {
	out := make([]string, 0, len(n.cfg.Networks))
	for _, nc := range n.cfg.Networks {
		out = append(out, nc.Network)
	}
	return out
}

// Proxied reports whether verification is forwarded upstream.
func (n *Node) Proxied() bool { return n.upstream != nil }

// RegisterRequest describes a facilitator to create.
type RegisterRequest struct {
	Name               string `json:"name"`
	OwnerAddress       string `json:"ownerAddress"`
	PaymentRecipient   string `json:"paymentRecipient"`
	RegistrationTxHash string `json:"registrationTxHash,omitempty"`
}

// RegisterFacilitator creates a facilitator with a freshly generated wallet
// whose key is sealed by the vault.
func (n *Node) RegisterFacilitator(ctx context.Context, req RegisterRequest) (*registry.Facilitator, error) {
	if n.vault == nil {
		return nil, masterKeyMissing()
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, x402.NewCryptoError("key_generation_failed", "failed to generate facilitator key", nil)
	}
	raw := crypto.FromECDSA(key)
	sealed, err := n.vault.Encrypt(raw)
	vault.Wipe(raw)
	if err != nil {
		return nil, err
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	f, err := n.registry.Create(ctx, registry.CreateSpec{
		Name:                     req.Name,
		OwnerAddress:             req.OwnerAddress,
		FacilitatorWalletAddress: wallet,
		PaymentRecipient:         req.PaymentRecipient,
		EncryptedPrivateKey:      sealed,
		RegistrationTxHash:       req.RegistrationTxHash,
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// EncryptSystemKey seals an operator-supplied private key.
func (n *Node) EncryptSystemKey(privateKey string) (string, error) {
	if n.vault == nil {
		return "", masterKeyMissing()
	}
	return EncryptPrivateKey(n.vault, privateKey)
}

// EncryptPrivateKey validates a hex secp256k1 key and seals it with v.
func EncryptPrivateKey(v *vault.Vault, privateKey string) (string, error) {
	h := strings.TrimPrefix(strings.TrimSpace(privateKey), "0x")
	key, err := crypto.HexToECDSA(h)
	if err != nil {
		return "", x402.NewValidationError("invalid_private_key", "privateKey must be a 32-byte hex secp256k1 key")
	}
	raw := crypto.FromECDSA(key)
	defer vault.Wipe(raw)
	return v.Encrypt(raw)
}

func masterKeyMissing() error {
	return x402.NewConfigurationError("master key is not configured", nil)
}

// sealedKeys opens facilitator keys, failing cleanly when no master key is loaded.
type sealedKeys struct {
	v *vault.Vault
}

func (k sealedKeys) WithDecrypted(ciphertext string, fn func(plaintext []byte) error) error {
	if k.v == nil {
		return masterKeyMissing()
	}
	return k.v.WithDecrypted(ciphertext, fn)
}
