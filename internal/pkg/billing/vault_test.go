package billing

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
)

func TestEnsureCustomerIsIdempotentByEmail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first, err := e.vault.EnsureCustomer(ctx, "Client@Example.com", "Client")
	require.NoError(t, err)
	second, err := e.vault.EnsureCustomer(ctx, " client@example.com ", "Client Again")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.GatewayCustomerID, second.GatewayCustomerID)
	assert.Equal(t, "client@example.com", first.Email)
	assert.Equal(t, 1, e.gw.Calls("CreateCustomer"))
}

func TestEnsureCustomerReusesGatewayCustomer(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	existing, err := e.gw.CreateCustomer(ctx, "known@example.com", "Known")
	require.NoError(t, err)

	c, err := e.vault.EnsureCustomer(ctx, "KNOWN@example.com", "Known")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, c.GatewayCustomerID)
	assert.Equal(t, 1, e.gw.Calls("CreateCustomer"))
}

func TestEnsureCustomerRequiresEmail(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.vault.EnsureCustomer(context.Background(), "  ", "Nobody")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestSetupFlowSavesPaymentMethod(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	c, err := e.vault.EnsureCustomer(ctx, "setup@example.com", "Setup")
	require.NoError(t, err)
	session, err := e.vault.BeginSetup(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, session.SetupToken)
	assert.NotEmpty(t, session.ClientSecret)
	assert.Equal(t, c.ID, session.CustomerID)

	_, err = e.vault.ConfirmSetup(ctx, session.SetupToken)
	assert.True(t, errors.Is(err, ErrInvalidState), "unfinished setup must not confirm")

	_, err = e.gw.CompleteSetup(session.SetupToken, gateway.TestVisa)
	require.NoError(t, err)

	pm, err := e.vault.ConfirmSetup(ctx, session.SetupToken)
	require.NoError(t, err)
	assert.Equal(t, "4242", pm.Last4)
	assert.Equal(t, c.GatewayCustomerID, pm.CustomerID)

	methods, err := e.vault.ListMethods(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, pm.ID, methods[0].ID)
	assert.Equal(t, 0, e.gw.Calls("CreatePaymentIntent"), "setup never charges")
}

func TestConfirmSetupDeclined(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	c, err := e.vault.EnsureCustomer(ctx, "declined@example.com", "Declined")
	require.NoError(t, err)
	session, err := e.vault.BeginSetup(ctx, c)
	require.NoError(t, err)
	_, err = e.gw.CompleteSetup(session.SetupToken, gateway.Card{Brand: "visa", Last4: "0002", DeclineCode: "card_declined"})
	require.NoError(t, err)

	_, err = e.vault.ConfirmSetup(ctx, session.SetupToken)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSetupFailed))

	var sf *SetupFailedError
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, "card_declined", sf.Code)
	assert.NotEmpty(t, sf.Reason)
}

func TestRemoveMethod(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pm := e.vaultCard(t, "remove@example.com")
	c, err := e.vault.EnsureCustomer(ctx, "remove@example.com", "")
	require.NoError(t, err)

	require.NoError(t, e.vault.RemoveMethod(ctx, pm.ID))
	methods, err := e.vault.ListMethods(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, methods)

	err = e.vault.RemoveMethod(ctx, pm.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "detachment is terminal")
}

func TestListMethodsUnknownCustomer(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.vault.ListMethods(context.Background(), 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestChoosePaymentMethodPicksNewest(t *testing.T) {
	e := newTestEnv(t)
	older := e.gw.AttachCard("cus_x", gateway.TestVisa)
	newer := e.gw.AttachCard("cus_x", gateway.Card{Brand: "mastercard", Last4: "4444", ExpMonth: 1, ExpYear: 2035})

	got := choosePaymentMethod([]gateway.PaymentMethod{*older, *newer})
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)
	assert.Nil(t, choosePaymentMethod(nil))
}
