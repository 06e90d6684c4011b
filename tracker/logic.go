package tracker

import (
	"context"

	"github.com/okami-tracker/okami/backend"
	"github.com/okami-tracker/okami/bittorrent"
	"github.com/okami-tracker/okami/frontend"
	"github.com/okami-tracker/okami/pkg/log"
	"github.com/okami-tracker/okami/pkg/stop"
	"github.com/okami-tracker/okami/pkg/timecache"
	"github.com/okami-tracker/okami/storage"
)

// ErrUserBanned is returned for announces and scrapes from banned accounts.
var ErrUserBanned = bittorrent.ClientError("user banned")

var _ frontend.TrackerLogic = &Logic{}

// Logic orchestrates a single announce or scrape: identity resolution,
// pre-hooks, the atomic peer upsert, credit accounting, snatch recording,
// and response assembly.
type Logic struct {
	policy    *PolicyProvider
	store     storage.PeerStore
	backend   backend.Backend
	directory Directory
	preHooks  []Hook
}

// NewLogic creates a new instance of a TrackerLogic over the given
// collaborators, running the provided hooks before any state is mutated.
func NewLogic(policy *PolicyProvider, store storage.PeerStore, b backend.Backend, preHooks ...Hook) *Logic {
	return &Logic{
		policy:    policy,
		store:     store,
		backend:   b,
		directory: NewDirectory(store),
		preHooks:  preHooks,
	}
}

// resolve maps the request's passkey and infohash to a user and catalog
// entry, rejecting banned accounts before anything is mutated.
func (l *Logic) resolve(ctx context.Context, passkey string, ih bittorrent.InfoHash) (backend.User, backend.Torrent, error) {
	torrent, err := l.backend.TorrentByInfoHash(ctx, ih)
	if err != nil {
		return backend.User{}, backend.Torrent{}, err
	}

	user, err := l.backend.ResolveUser(ctx, passkey)
	if err != nil {
		return backend.User{}, backend.Torrent{}, err
	}
	if user.Banned {
		return backend.User{}, backend.Torrent{}, ErrUserBanned
	}

	return user, torrent, nil
}

// HandleAnnounce generates a response for an Announce.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	policy := l.policy.Snapshot()

	user, torrent, err := l.resolve(ctx, req.Passkey, req.InfoHash)
	if err != nil {
		return nil, err
	}

	resp := &bittorrent.AnnounceResponse{
		Compact:     req.Compact,
		Interval:    policy.AnnounceInterval,
		MinInterval: policy.MinAnnounceInterval,
	}

	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	if err := l.account(ctx, req, user, torrent); err != nil {
		return nil, err
	}

	now := timecache.Now()

	if req.Event == bittorrent.Stopped {
		err := l.store.DeletePeer(req.InfoHash, req.Peer.ID)
		if err != nil && err != storage.ErrResourceDoesNotExist {
			return nil, err
		}
	} else {
		_, _, err := l.store.PutAnnounce(req.InfoHash, storage.PeerRecord{
			Peer:         req.Peer,
			UserID:       user.ID,
			TorrentID:    torrent.ID,
			Uploaded:     req.Uploaded,
			Downloaded:   req.Downloaded,
			Left:         req.Left,
			Event:        req.Event,
			LastAnnounce: now.UnixNano(),
		})
		if err != nil {
			return nil, err
		}
	}

	if req.Event == bittorrent.Completed {
		first, err := l.store.RecordSnatch(req.InfoHash, req.Peer.ID, user.ID, torrent.ID, now)
		if err != nil {
			return nil, err
		}
		if first {
			log.Debug("recorded snatch", log.Fields{"userID": user.ID, "torrentID": torrent.ID})
		}
	}

	scrape, err := l.directory.Scrape(req.InfoHash)
	if err != nil {
		return nil, err
	}
	resp.Complete = scrape.Complete
	resp.Incomplete = scrape.Incomplete

	resp.IPv4Peers, resp.IPv6Peers, err = l.directory.AnnouncePeers(req.InfoHash, req.Peer.ID, int(req.NumWant))
	if err != nil {
		return nil, err
	}

	log.Debug("generated announce response", resp)
	return resp, nil
}

// account swaps the transfer marks of the announcing (user, peer ID) pair
// and applies the resulting deltas to the user's ledger.
func (l *Logic) account(ctx context.Context, req *bittorrent.AnnounceRequest, user backend.User, torrent backend.Torrent) error {
	prevUp, prevDown, existed, err := l.store.SwapTransferMarks(user.ID, req.Peer.ID, req.Uploaded, req.Downloaded)
	if err != nil {
		return err
	}

	upDelta, downDelta := TransferDeltas(req.Uploaded, req.Downloaded, prevUp, prevDown, existed)
	downDelta = ExemptDownload(downDelta, torrent.Freeleech, user.VIP)

	if upDelta == 0 && downDelta == 0 {
		return nil
	}

	return l.backend.CreditUser(ctx, user.ID, upDelta, downDelta)
}

// AfterAnnounce observes the announcing user's ledger once the response has
// been delivered. A ratio below the configured minimum is a detected
// condition, not an error; enforcement belongs to the account subsystem.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	user, err := l.backend.ResolveUser(ctx, req.Passkey)
	if err != nil {
		return
	}

	if BelowMinRatio(user, l.policy.Snapshot().MinRatio) {
		log.Debug("user below minimum ratio", log.Fields{
			"userID":     user.ID,
			"uploaded":   user.Uploaded,
			"downloaded": user.Downloaded,
		})
	}
}

// HandleScrape generates a response for a Scrape.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	user, err := l.backend.ResolveUser(ctx, req.Passkey)
	if err != nil {
		return nil, err
	}
	if user.Banned {
		return nil, ErrUserBanned
	}

	resp := &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}

	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	for _, ih := range req.InfoHashes {
		scrape, err := l.directory.Scrape(ih)
		if err != nil {
			return nil, err
		}
		resp.Files = append(resp.Files, scrape)
	}

	log.Debug("generated scrape response", resp)
	return resp, nil
}

// AfterScrape does something with the results of a Scrape after it has been
// completed.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
}

// Stop stops any hooks that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, hook := range l.preHooks {
		if stoppable, ok := hook.(stop.Stopper); ok {
			stopGroup.Add(stoppable)
		}
	}

	return stopGroup.Stop()
}
