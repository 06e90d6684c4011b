package storage

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/okami-tracker/okami/bittorrent"
)

// ErrMalformedRecord is returned when a serialized record cannot be decoded.
var ErrMalformedRecord = errors.New("malformed serialized peer record")

// MarshalRecord packs a PeerRecord into a compact binary value suitable for
// storage as a hash field keyed by the record's peer ID.
//
// The format is:
//	1-byte IP length (4 or 16)
//	4-byte or 16-byte IP address
//	2-byte big endian port
//	4-byte big endian user ID
//	4-byte big endian torrent ID
//	8-byte big endian uploaded, downloaded, left
//	1-byte event
//	8-byte big endian last announce, bonus checkpoint (unix nanoseconds)
func MarshalRecord(r PeerRecord) []byte {
	ip := r.Peer.IP.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	buf := make([]byte, 0, 1+len(ip)+2+4+4+8*3+1+8*2)
	buf = append(buf, byte(len(ip)))
	buf = append(buf, ip...)

	var scratch [8]byte
	binary.BigEndian.PutUint16(scratch[:2], r.Peer.Port)
	buf = append(buf, scratch[:2]...)
	binary.BigEndian.PutUint32(scratch[:4], r.UserID)
	buf = append(buf, scratch[:4]...)
	binary.BigEndian.PutUint32(scratch[:4], r.TorrentID)
	buf = append(buf, scratch[:4]...)

	for _, v := range []uint64{r.Uploaded, r.Downloaded, r.Left} {
		binary.BigEndian.PutUint64(scratch[:], v)
		buf = append(buf, scratch[:]...)
	}

	buf = append(buf, byte(r.Event))

	for _, v := range []int64{r.LastAnnounce, r.BonusCheckpoint} {
		binary.BigEndian.PutUint64(scratch[:], uint64(v))
		buf = append(buf, scratch[:]...)
	}

	return buf
}

// UnmarshalRecord unpacks a value produced by MarshalRecord. The peer ID is
// not part of the value and must be supplied by the caller.
func UnmarshalRecord(id bittorrent.PeerID, b []byte) (PeerRecord, error) {
	var r PeerRecord

	if len(b) < 1 {
		return r, ErrMalformedRecord
	}
	ipLen := int(b[0])
	if ipLen != net.IPv4len && ipLen != net.IPv6len {
		return r, ErrMalformedRecord
	}
	if len(b) != 1+ipLen+2+4+4+8*3+1+8*2 {
		return r, ErrMalformedRecord
	}
	b = b[1:]

	r.Peer.ID = id
	r.Peer.IP.IP = append(net.IP(nil), b[:ipLen]...)
	if ipLen == net.IPv4len {
		r.Peer.IP.AddressFamily = bittorrent.IPv4
	} else {
		r.Peer.IP.AddressFamily = bittorrent.IPv6
	}
	b = b[ipLen:]

	r.Peer.Port = binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	r.UserID = binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	r.TorrentID = binary.BigEndian.Uint32(b[:4])
	b = b[4:]

	r.Uploaded = binary.BigEndian.Uint64(b[:8])
	r.Downloaded = binary.BigEndian.Uint64(b[8:16])
	r.Left = binary.BigEndian.Uint64(b[16:24])
	b = b[24:]

	r.Event = bittorrent.Event(b[0])
	b = b[1:]

	r.LastAnnounce = int64(binary.BigEndian.Uint64(b[:8]))
	r.BonusCheckpoint = int64(binary.BigEndian.Uint64(b[8:16]))

	return r, nil
}
