package crypto

import "sync"

// SAStore is the per-peer-address SA map (spec §3/§5:
// "crypto_sa_hash_table_mutex"). Owned by the server on the accept side and
// by the client on the connect side; never module-level state (spec §9:
// "Per-socket globals ... become members of the owning component").
type SAStore struct {
	mu  sync.Mutex
	sas map[string]*SA
}

func NewSAStore() *SAStore {
	return &SAStore{sas: make(map[string]*SA)}
}

// GetOrCreate returns the SA for peerAddr, creating one lazily via create
// if absent (spec §3: "SAs are created lazily on accept (server) or on
// first send (client)").
func (s *SAStore) GetOrCreate(peerAddr string, create func() *SA) *SA {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sa, ok := s.sas[peerAddr]; ok {
		return sa
	}

	sa := create()
	s.sas[peerAddr] = sa
	return sa
}

func (s *SAStore) Delete(peerAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sas, peerAddr)
}

func (s *SAStore) Get(peerAddr string) (*SA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.sas[peerAddr]
	return sa, ok
}
