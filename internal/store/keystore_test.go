package store_test

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"omemo/internal/domain"
	"omemo/internal/store"
)

func newKeyStore(t *testing.T) *store.KeyStore {
	t.Helper()
	return store.NewKeyStore(store.NewMemoryBackend())
}

func TestLocalIdentity_SaveLoad(t *testing.T) {
	ks := newKeyStore(t)
	if _, err := ks.LocalIdentity(); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound before init, got %v", err)
	}

	id := domain.Identity{
		XPub:   domain.X25519Public{1},
		XPriv:  domain.X25519Private{2},
		EdPub:  domain.Ed25519Public{3},
		EdPriv: domain.Ed25519Private{4},
	}
	addr := domain.Address{JID: "alice@example.org", DeviceID: 11}
	if err := ks.SetLocalIdentity(addr, id, "fp-alice"); err != nil {
		t.Fatalf("SetLocalIdentity: %v", err)
	}

	got, err := ks.LocalIdentity()
	if err != nil {
		t.Fatalf("LocalIdentity: %v", err)
	}
	if got != id {
		t.Fatalf("mismatch after load")
	}
	acct, err := ks.LocalAccount()
	if err != nil || acct != addr {
		t.Fatalf("LocalAccount = %v, %v", acct, err)
	}
	key, err := ks.IdentityKey(addr)
	if err != nil || key != id.XPub {
		t.Fatalf("own identity key not recorded: %v", err)
	}
	level, err := ks.Trust(addr.JID, "fp-alice")
	if err != nil || level != domain.TrustConfirmed {
		t.Fatalf("own fingerprint trust = %v, %v", level, err)
	}
}

func TestTrust_LevelsAreExclusive(t *testing.T) {
	ks := newKeyStore(t)
	jid := domain.JID("bob@example.org")

	if level, err := ks.Trust(jid, "fp1"); err != nil || level != domain.TrustUnknown {
		t.Fatalf("default trust = %v, %v", level, err)
	}
	for _, level := range []domain.Trust{domain.TrustRecognized, domain.TrustConfirmed, domain.TrustIgnored} {
		if err := ks.SetTrust(jid, "fp1", level); err != nil {
			t.Fatalf("SetTrust: %v", err)
		}
	}
	if err := ks.SetTrust(jid, "fp2", domain.TrustConfirmed); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}

	m, err := ks.TrustMatrix(jid)
	if err != nil {
		t.Fatalf("TrustMatrix: %v", err)
	}
	want := map[domain.Trust][]domain.Fingerprint{
		domain.TrustIgnored:   {"fp1"},
		domain.TrustConfirmed: {"fp2"},
	}
	if !reflect.DeepEqual(m, want) {
		t.Fatalf("matrix = %v, want %v", m, want)
	}
}

func TestTrust_ConcurrentWritesAreNotLost(t *testing.T) {
	ks := newKeyStore(t)
	jid := domain.JID("bob@example.org")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := domain.Fingerprint(fmt.Sprintf("fp%d", i))
			if err := ks.SetTrust(jid, fp, domain.TrustRecognized); err != nil {
				t.Errorf("SetTrust: %v", err)
			}
		}(i)
	}
	wg.Wait()

	m, err := ks.TrustMatrix(jid)
	if err != nil {
		t.Fatalf("TrustMatrix: %v", err)
	}
	if n := len(m[domain.TrustRecognized]); n != 20 {
		t.Fatalf("want 20 recognized fingerprints, got %d", n)
	}
}

func TestDeviceList_Update(t *testing.T) {
	ks := newKeyStore(t)
	jid := domain.JID("bob@example.org")

	if ids, err := ks.DeviceList(jid); err != nil || len(ids) != 0 {
		t.Fatalf("empty list = %v, %v", ids, err)
	}
	if err := ks.SetDeviceList(jid, []domain.DeviceID{3, 1, 3}); err != nil {
		t.Fatalf("SetDeviceList: %v", err)
	}
	got, err := ks.UpdateDeviceList(jid, func(ids []domain.DeviceID) []domain.DeviceID {
		return append(ids, 2)
	})
	if err != nil {
		t.Fatalf("UpdateDeviceList: %v", err)
	}
	if !reflect.DeepEqual(got, []domain.DeviceID{1, 2, 3}) {
		t.Fatalf("list = %v", got)
	}
}

func TestEnableDisable(t *testing.T) {
	ks := newKeyStore(t)
	addr := domain.Address{JID: "bob@example.org", DeviceID: 5}

	if off, _ := ks.IsDisabled(addr); off {
		t.Fatal("device disabled by default")
	}
	if err := ks.Disable(addr); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if off, _ := ks.IsDisabled(addr); !off {
		t.Fatal("device not disabled")
	}
	if err := ks.Enable(addr); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if off, _ := ks.IsDisabled(addr); off {
		t.Fatal("device still disabled")
	}
}

func TestPreKeys_StoreListRemove(t *testing.T) {
	ks := newKeyStore(t)
	for _, id := range []domain.PreKeyID{9, 2, 5} {
		if err := ks.StorePreKey(domain.PreKeyPair{ID: id, Priv: domain.X25519Private{byte(id)}, Pub: domain.X25519Public{byte(id)}}); err != nil {
			t.Fatalf("StorePreKey: %v", err)
		}
	}
	if err := ks.StoreSignedPreKey(domain.SignedPreKeyPair{ID: 1, Signature: []byte("sig")}); err != nil {
		t.Fatalf("StoreSignedPreKey: %v", err)
	}

	pks, err := ks.PreKeys()
	if err != nil {
		t.Fatalf("PreKeys: %v", err)
	}
	if len(pks) != 3 || pks[0].ID != 2 || pks[2].ID != 9 || pks[1].Pub[0] != 5 {
		t.Fatalf("unexpected pre-keys %+v", pks)
	}

	if err := ks.RemovePreKey(5); err != nil {
		t.Fatalf("RemovePreKey: %v", err)
	}
	if _, err := ks.LoadPreKey(5); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	spks, err := ks.SignedPreKeys()
	if err != nil || len(spks) != 1 || string(spks[0].Signature) != "sig" {
		t.Fatalf("SignedPreKeys = %+v, %v", spks, err)
	}
}

func TestSessions(t *testing.T) {
	ks := newKeyStore(t)
	addr := domain.Address{JID: "bob@example.org", DeviceID: 5}

	if _, err := ks.LoadSession(addr); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := ks.StoreSession(addr, []byte("record")); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	rec, err := ks.LoadSession(addr)
	if err != nil || string(rec) != "record" {
		t.Fatalf("LoadSession = %q, %v", rec, err)
	}
	addrs, err := ks.SessionAddresses(addr.JID)
	if err != nil || len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("SessionAddresses = %v, %v", addrs, err)
	}
	if err := ks.RemoveSession(addr); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if _, err := ks.LoadSession(addr); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound after remove, got %v", err)
	}
}

func TestLockSession_Serialises(t *testing.T) {
	ks := newKeyStore(t)
	addr := domain.Address{JID: "bob@example.org", DeviceID: 5}

	unlock := ks.LockSession(addr)
	acquired := make(chan struct{})
	go func() {
		release := ks.LockSession(addr)
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never released")
	}

	// Other addresses are independent.
	other := ks.LockSession(domain.Address{JID: addr.JID, DeviceID: 6})
	other()
}

func TestPeerUsedAndLastUsed(t *testing.T) {
	ks := newKeyStore(t)
	jid := domain.JID("bob@example.org")
	addr := domain.Address{JID: jid, DeviceID: 1}

	if used, _ := ks.IsPeerUsed(jid); used {
		t.Fatal("peer used by default")
	}
	if err := ks.SetPeerUsed(jid); err != nil {
		t.Fatalf("SetPeerUsed: %v", err)
	}
	if used, _ := ks.IsPeerUsed(jid); !used {
		t.Fatal("peer not marked used")
	}

	if ts, err := ks.LastUsed(addr); err != nil || !ts.IsZero() {
		t.Fatalf("LastUsed default = %v, %v", ts, err)
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := ks.SetLastUsed(addr, now); err != nil {
		t.Fatalf("SetLastUsed: %v", err)
	}
	if ts, err := ks.LastUsed(addr); err != nil || !ts.Equal(now) {
		t.Fatalf("LastUsed = %v, %v", ts, err)
	}
}

func TestRemovePreKey_RemembersConsumedID(t *testing.T) {
	ks := newKeyStore(t)
	if err := ks.StorePreKey(domain.PreKeyPair{ID: 12}); err != nil {
		t.Fatalf("StorePreKey: %v", err)
	}
	if err := ks.RemovePreKey(12); err != nil {
		t.Fatalf("RemovePreKey: %v", err)
	}
	ids, err := ks.ConsumedPreKeyIDs()
	if err != nil || !reflect.DeepEqual(ids, []domain.PreKeyID{12}) {
		t.Fatalf("ConsumedPreKeyIDs = %v, %v", ids, err)
	}
	if pks, _ := ks.PreKeys(); len(pks) != 0 {
		t.Fatalf("removed pre-key still listed: %+v", pks)
	}
}
