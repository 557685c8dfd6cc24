package authorization

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymux/usdtsettle/clients"
	ustypes "github.com/paymux/usdtsettle/types"
)

type stubAdapter struct {
	network ustypes.Network
	closed  bool
}

func (s *stubAdapter) Network() ustypes.Network  { return s.network }
func (s *stubAdapter) OperatorAddress() string   { return "0xOperator" }
func (s *stubAdapter) CollectionAddress() string { return "0xCollection" }
func (s *stubAdapter) Close()                    { s.closed = true }

func (s *stubAdapter) USDTBalance(context.Context, string) (clients.Reading, error) {
	return clients.Reading{}, nil
}

func (s *stubAdapter) Allowance(context.Context, string, string) (clients.Reading, error) {
	return clients.Reading{}, nil
}

func (s *stubAdapter) BuildApproval(owner string, amount decimal.Decimal) (*ustypes.AuthorizationRequest, error) {
	payload := []byte(`{"owner":"` + owner + `"}`)
	return &ustypes.AuthorizationRequest{
		Network:         s.network,
		PayerAddress:    owner,
		OperatorAddress: s.OperatorAddress(),
		Amount:          amount,
		Payload:         payload,
		PayloadHash:     ustypes.HashPayload(payload),
	}, nil
}

func (s *stubAdapter) ExecuteDelegatedTransfer(context.Context, string, string, decimal.Decimal, string) (*ustypes.SettlementResult, error) {
	return nil, nil
}

func (s *stubAdapter) TransferStatus(context.Context, string) (ustypes.TxStatus, error) {
	return ustypes.TxNotFound, nil
}

func TestBuilderRegistryDispatch(t *testing.T) {
	b := NewBuilder()
	eth := &stubAdapter{network: ustypes.NetworkEthereum}
	tron := &stubAdapter{network: ustypes.NetworkTron}
	require.NoError(t, b.Register(eth))
	require.NoError(t, b.Register(tron))

	got, err := b.Adapter(ustypes.NetworkTron)
	require.NoError(t, err)
	assert.Same(t, tron, got)

	_, err = b.Adapter(ustypes.NetworkBSC)
	assert.True(t, ustypes.IsKind(err, ustypes.ErrUnsupportedChain))

	assert.ElementsMatch(t,
		[]ustypes.Network{ustypes.NetworkEthereum, ustypes.NetworkTron},
		b.Networks())
}

func TestBuilderRejectsUnknownNetwork(t *testing.T) {
	b := NewBuilder()
	err := b.Register(&stubAdapter{network: ustypes.Network("dogecoin")})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrUnsupportedChain))
}

func TestBuilderStampsPaymentID(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(&stubAdapter{network: ustypes.NetworkEthereum}))

	p := &ustypes.Payment{ID: "pay-1", Amount: decimal.NewFromInt(5), PayerAddress: "0xPayer"}
	req, err := b.BuildApproval(p, ustypes.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", req.PaymentID)
	assert.Equal(t, "0xPayer", req.PayerAddress)

	_, err = b.BuildApproval(p, ustypes.NetworkTron)
	assert.True(t, ustypes.IsKind(err, ustypes.ErrUnsupportedChain))
}

func TestBuilderCloseClosesAdapters(t *testing.T) {
	b := NewBuilder()
	eth := &stubAdapter{network: ustypes.NetworkEthereum}
	require.NoError(t, b.Register(eth))
	b.Close()
	assert.True(t, eth.closed)
}
