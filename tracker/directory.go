package tracker

import (
	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/storage"
)

// Directory projects the peer store into the read-only views an announce or
// scrape response is assembled from.
type Directory struct {
	store storage.PeerStore
}

// NewDirectory creates a Directory over store.
func NewDirectory(store storage.PeerStore) Directory {
	return Directory{store: store}
}

// AnnouncePeers returns the active peers of a swarm split by address family,
// newest announce first, excluding the requester, capped at limit.
func (d Directory) AnnouncePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, limit int) (v4, v6 []bittorrent.Peer, err error) {
	peers, err := d.store.ActivePeers(ih, exclude, limit)
	if err != nil {
		return nil, nil, err
	}

	for _, peer := range peers {
		if peer.IP.AddressFamily == bittorrent.IPv6 {
			v6 = append(v6, peer)
		} else {
			v4 = append(v4, peer)
		}
	}

	return v4, v6, nil
}

// Scrape returns the live seeder/leecher counts and the lifetime snatch
// count of a swarm. Unknown infohashes yield zero counts.
func (d Directory) Scrape(ih bittorrent.InfoHash) (bittorrent.Scrape, error) {
	return d.store.ScrapeSwarm(ih)
}
