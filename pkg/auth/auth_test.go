package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/auth"
	"github.com/relieflane/caseledger/pkg/ledger"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := auth.NewTokenManager([]byte("test-secret"))

	p := auth.Principal{
		ID:       "user-1",
		TenantID: "tenant-a",
		Kind:     ledger.ActorHuman,
		Roles:    []string{"caseworker", "reviewer"},
	}
	token, err := tm.Issue(p, time.Hour)
	require.NoError(t, err)

	got, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestValidate_WrongSecret(t *testing.T) {
	token, err := auth.NewTokenManager([]byte("secret-a")).Issue(auth.Principal{
		ID: "user-1", TenantID: "tenant-a", Kind: ledger.ActorHuman,
	}, time.Hour)
	require.NoError(t, err)

	_, err = auth.NewTokenManager([]byte("secret-b")).Validate(token)
	assert.Error(t, err)
}

func TestValidate_Expired(t *testing.T) {
	tm := auth.NewTokenManager([]byte("test-secret"))
	token, err := tm.Issue(auth.Principal{
		ID: "user-1", TenantID: "tenant-a", Kind: ledger.ActorHuman,
	}, -time.Minute)
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownActorKind(t *testing.T) {
	tm := auth.NewTokenManager([]byte("test-secret"))
	token, err := tm.Issue(auth.Principal{
		ID: "user-1", TenantID: "tenant-a", Kind: ledger.ActorKind("ROBOT"),
	}, time.Hour)
	require.NoError(t, err)

	_, err = tm.Validate(token)
	assert.Error(t, err)
}

func TestActor(t *testing.T) {
	human := auth.Principal{ID: "user-1", Kind: ledger.ActorHuman}
	a := human.Actor("roles:caseworker")
	assert.Equal(t, "user-1", a.UserID)
	assert.Equal(t, ledger.ActorHuman, a.Kind)
	assert.Equal(t, "roles:caseworker", a.AuthorityProof)

	// System actors carry no user id.
	system := auth.Principal{ID: "svc-1", Kind: ledger.ActorSystem}
	assert.Empty(t, system.Actor("scheduler").UserID)
}

func TestPrincipalContext(t *testing.T) {
	p := auth.Principal{ID: "user-1", TenantID: "tenant-a", Kind: ledger.ActorHuman}
	ctx := auth.WithPrincipal(context.Background(), p)

	got, err := auth.GetPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = auth.GetPrincipal(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)
}

func TestHasRole(t *testing.T) {
	p := auth.Principal{Roles: []string{"caseworker"}}
	assert.True(t, p.HasRole("caseworker"))
	assert.False(t, p.HasRole("admin"))
}
