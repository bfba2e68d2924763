package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
)

const (
	ownerA    = "0x857b06519e91e3a54538791bdbb0e22373e36b66"
	ownerB    = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	wallet    = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	recipient = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
)

func newTestRegistry() (*Registry, *explorer.Log) {
	log := explorer.NewLog(explorer.NewMemoryStore())
	return New(NewMemoryStore(), log), log
}

func spec(name, owner string) CreateSpec {
	return CreateSpec{
		Name:                     name,
		OwnerAddress:             owner,
		FacilitatorWalletAddress: wallet,
		PaymentRecipient:         recipient,
		EncryptedPrivateKey:      "v1.sealed",
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	reg, log := newTestRegistry()

	f, err := reg.Create(ctx, spec("Avalanche Relay", ownerA))
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, StatusNeedsFunding, f.Status)
	assert.Equal(t, "0", f.TotalPayments)
	assert.Equal(t, common.HexToAddress(ownerA).Hex(), f.OwnerAddress)

	entries, err := log.HistoryFor(ctx, f.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, explorer.EventFacilitatorCreated, entries[0].EventType)

	t.Run("one facilitator per owner", func(t *testing.T) {
		_, err := reg.Create(ctx, spec("Second", "0x"+strings.ToUpper(ownerA[2:])))
		assert.True(t, x402.IsKind(err, x402.KindPreconditionFailed))
		assert.Equal(t, "owner_exists", x402.CodeOf(err))
	})

	t.Run("validation", func(t *testing.T) {
		cases := map[string]CreateSpec{
			"empty name":    spec("  ", ownerB),
			"bad owner":     spec("x", "0x1234"),
			"bad recipient": func() CreateSpec { s := spec("x", ownerB); s.PaymentRecipient = "nope"; return s }(),
			"missing key":   func() CreateSpec { s := spec("x", ownerB); s.EncryptedPrivateKey = ""; return s }(),
		}
		for name, s := range cases {
			_, err := reg.Create(ctx, s)
			assert.True(t, x402.IsKind(err, x402.KindValidation), name)
		}
	})
}

func TestConcurrentCreateSameOwner(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := reg.Create(ctx, spec(fmt.Sprintf("f-%d", i), ownerA)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestGetAndGetByOwner(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	f, err := reg.Create(ctx, spec("Relay", ownerA))
	require.NoError(t, err)

	got, err := reg.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Name, got.Name)

	_, err = reg.Get(ctx, "missing")
	assert.True(t, x402.IsKind(err, x402.KindNotFound))

	byOwner, err := reg.GetByOwner(ctx, ownerA)
	require.NoError(t, err)
	require.NotNil(t, byOwner)
	assert.Equal(t, f.ID, byOwner.ID)

	none, err := reg.GetByOwner(ctx, ownerB)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = reg.GetByOwner(ctx, "bogus")
	assert.True(t, x402.IsKind(err, x402.KindValidation))
}

func TestSearchIsCaseInsensitiveInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()

	owners := []string{ownerA, ownerB, recipient}
	for i, name := range []string{"Fuji Relay", "Mainnet Node", "relay two"} {
		_, err := reg.Create(ctx, spec(name, owners[i]))
		require.NoError(t, err)
	}

	found, err := reg.Search(ctx, "RELAY")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Fuji Relay", found[0].Name)
	assert.Equal(t, "relay two", found[1].Name)

	all, err := reg.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	reg, log := newTestRegistry()
	f, err := reg.Create(ctx, spec("Relay", ownerA))
	require.NoError(t, err)

	updated, err := reg.UpdateStatus(ctx, f.ID, "active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	entries, err := log.Query(ctx, explorer.Filter{EventType: explorer.EventFacilitatorStatusChanged})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "needs_funding", entries[0].Payload["from"])
	assert.Equal(t, "active", entries[0].Payload["to"])

	_, err = reg.UpdateStatus(ctx, f.ID, "paused")
	assert.Equal(t, "invalid_status", x402.CodeOf(err))

	_, err = reg.UpdateStatus(ctx, "missing", "active")
	assert.True(t, x402.IsKind(err, x402.KindNotFound))

	info, err := reg.Lookup(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, x402.StatusActive, info.Status)
}

func TestConcurrentStatusUpdatesEachLogged(t *testing.T) {
	ctx := context.Background()
	reg, log := newTestRegistry()
	f, err := reg.Create(ctx, spec("Relay", ownerA))
	require.NoError(t, err)

	statuses := []string{"active", "inactive", "needs_funding", "active", "inactive"}
	var wg sync.WaitGroup
	for _, s := range statuses {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := reg.UpdateStatus(ctx, f.ID, s)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	entries, err := log.Query(ctx, explorer.Filter{EventType: explorer.EventFacilitatorStatusChanged})
	require.NoError(t, err)
	require.Len(t, entries, len(statuses))

	// Each transition starts where the previous one ended.
	for i := len(entries) - 1; i > 0; i-- {
		assert.Equal(t, entries[i].Payload["to"], entries[i-1].Payload["from"])
	}
	final, err := reg.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Payload["to"], string(final.Status))
}

func TestRecordPayment(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	f, err := reg.Create(ctx, spec("Relay", ownerA))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = reg.RecordPayment(ctx, f.ID, "1500000", at)
	require.NoError(t, err)
	updated, err := reg.RecordPayment(ctx, f.ID, "99999999999999999999", at.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, "100000000000001499999", updated.TotalPayments)
	require.NotNil(t, updated.LastUsed)
	assert.Equal(t, at.Add(time.Minute), *updated.LastUsed)

	_, err = reg.RecordPayment(ctx, f.ID, "-1", at)
	assert.True(t, x402.IsKind(err, x402.KindValidation))
}

func TestPublicProjectionHidesKey(t *testing.T) {
	f := Facilitator{ID: "id", Name: "n", EncryptedPrivateKey: "v1.secret-material"}

	for _, v := range []interface{}{f, f.Public(), PublicList([]Facilitator{f})} {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret-material")
		assert.NotContains(t, string(raw), "encryptedPrivateKey")
	}
}
