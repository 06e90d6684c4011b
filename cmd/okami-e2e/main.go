// Command okami-e2e announces a real BitTorrent client against a running
// tracker and verifies the HTTP announce path end to end.
//
// The tracker is private: the announce URL carries a passkey and only
// catalogued torrents are accepted, so the passkey and infohash must match
// entries seeded into the running tracker's backend. The defaults line up
// with example_config.yaml.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/anacrolix/torrent/tracker"
	"github.com/pkg/errors"

	"github.com/okami-tracker/okami/bittorrent"
)

func init() {
	flag.StringVar(&trackerAddr, "http", "http://127.0.0.1:6969", "the base address of the HTTP tracker")
	flag.StringVar(&passkey, "passkey", "00000000000000000000000000000001", "a passkey known to the tracker's backend")
	flag.StringVar(&infoHashHex, "infohash", "3030303030303030303030303030303030303030", "the hex infohash of a catalogued torrent")
	flag.DurationVar(&delay, "delay", 1*time.Second, "the delay between announces")
}

var (
	trackerAddr string
	passkey     string
	infoHashHex string
	delay       time.Duration
)

func main() {
	flag.Parse()

	raw, err := hex.DecodeString(infoHashHex)
	if err != nil || len(raw) != 20 {
		fmt.Println("failed: infohash must be 40 hex characters")
		os.Exit(1)
	}

	fmt.Println("testing HTTP...")
	if err := testWithInfohash([20]byte(bittorrent.InfoHashFromBytes(raw))); err != nil {
		fmt.Println("failed:", err)
		os.Exit(1)
	}
	fmt.Println("success")
}

func announceURL() string {
	return trackerAddr + "/" + passkey + "/announce"
}

func testWithInfohash(infoHash [20]byte) error {
	req := tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		NumWant:    50,
		Port:       10001,
	}

	resp, err := tracker.Announce{
		TrackerUrl: announceURL(),
		Request:    req,
		UserAgent:  "okami-e2e",
	}.Do()
	if err != nil {
		return errors.Wrap(err, "announce failed")
	}

	// The tracker never returns the announcing peer to itself.
	if len(resp.Peers) != 0 {
		return fmt.Errorf("expected no peers, got %d", len(resp.Peers))
	}

	time.Sleep(delay)

	req = tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 21},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		NumWant:    50,
		Port:       10002,
	}

	resp, err = tracker.Announce{
		TrackerUrl: announceURL(),
		Request:    req,
		UserAgent:  "okami-e2e",
	}.Do()
	if err != nil {
		return errors.Wrap(err, "announce failed")
	}

	if len(resp.Peers) != 1 {
		return fmt.Errorf("expected 1 peer, got %d", len(resp.Peers))
	}

	if resp.Peers[0].Port != 10001 {
		return fmt.Errorf("expected port 10001, got %d", resp.Peers[0].Port)
	}

	return nil
}
