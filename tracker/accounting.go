package tracker

import (
	"github.com/okami-tracker/okami/backend"
)

// TransferDeltas derives the creditable transfer deltas of an announce from
// the client-reported absolute counters and the previous report for the same
// (user, peer ID) pair.
//
// Counters that move backwards (client restarts report absolute session
// totals starting at zero) clamp to a zero delta rather than a negative one.
// The first report from a pair credits the full reported values.
func TransferDeltas(reportedUp, reportedDown, prevUp, prevDown uint64, existed bool) (upDelta, downDelta uint64) {
	if !existed {
		return reportedUp, reportedDown
	}

	if reportedUp > prevUp {
		upDelta = reportedUp - prevUp
	}
	if reportedDown > prevDown {
		downDelta = reportedDown - prevDown
	}

	return upDelta, downDelta
}

// ExemptDownload applies the freeleech and VIP exemptions to a download
// delta. Upload is never exempted.
func ExemptDownload(downDelta uint64, freeleech, vip bool) uint64 {
	if freeleech || vip {
		return 0
	}
	return downDelta
}

// BelowMinRatio reports whether a user's lifetime ratio is below the
// configured minimum. VIP users and users with no recorded download are
// never below ratio; the latter also keeps the division well-defined.
func BelowMinRatio(u backend.User, minRatio float64) bool {
	if u.VIP || u.Downloaded == 0 {
		return false
	}

	return float64(u.Uploaded)/float64(u.Downloaded) < minRatio
}
