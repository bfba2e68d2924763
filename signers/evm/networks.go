package evm

import (
	"sort"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	x402evm "github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
)

// Networks maps enabled networks to their chain connections.
type Networks struct {
	chains map[x402.Network]*Chain
}

func NewNetworks() *Networks {
	return &Networks{chains: make(map[x402.Network]*Chain)}
}

// Add enables network on chain.
func (n *Networks) Add(network x402.Network, chain *Chain) {
	n.chains[network] = chain
}

// Chain returns the connection for network.
func (n *Networks) Chain(network x402.Network) (*Chain, bool) {
	c, ok := n.chains[network]
	return c, ok
}

// List returns the enabled networks in sorted order.
func (n *Networks) List() []x402.Network {
	out := make([]x402.Network, 0, len(n.chains))
	for network := range n.chains {
		out = append(out, network)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Signer builds a transaction signer for the facilitator key on network.
func (n *Networks) Signer(network x402.Network, privateKey []byte) (x402evm.FacilitatorEvmSigner, error) {
	chain, ok := n.chains[network]
	if !ok {
		return nil, notConfigured(network)
	}
	signer, err := NewFacilitatorSignerFromBytes(chain, privateKey)
	if err != nil {
		return nil, x402.NewCryptoError("invalid_private_key", "facilitator key is not a valid secp256k1 key", err)
	}
	return signer, nil
}

// Reader returns the read side of network's chain.
func (n *Networks) Reader(network x402.Network) (x402evm.ChainReader, error) {
	chain, ok := n.chains[network]
	if !ok {
		return nil, notConfigured(network)
	}
	return chain, nil
}

// Close closes every chain connection.
func (n *Networks) Close() {
	for _, c := range n.chains {
		c.Close()
	}
}

func notConfigured(network x402.Network) error {
	return x402.NewConfigurationError("no rpc configured for network "+string(network), nil)
}
