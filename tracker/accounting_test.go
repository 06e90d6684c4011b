package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/okami-tracker/okami/backend"
)

func TestTransferDeltas(t *testing.T) {
	var table = []struct {
		name                   string
		reportedUp, reportedDown uint64
		prevUp, prevDown         uint64
		existed                  bool
		wantUp, wantDown         uint64
	}{
		{"first contact credits full reported value", 1000, 500, 0, 0, false, 1000, 500},
		{"second report credits the difference", 1500, 500, 1000, 500, true, 500, 0},
		{"unchanged counters credit nothing", 1500, 500, 1500, 500, true, 0, 0},
		{"restarted client clamps to zero", 100, 50, 1000, 500, true, 0, 0},
		{"mixed direction clamps independently", 1200, 400, 1000, 500, true, 200, 0},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			up, down := TransferDeltas(tt.reportedUp, tt.reportedDown, tt.prevUp, tt.prevDown, tt.existed)
			require.Equal(t, tt.wantUp, up)
			require.Equal(t, tt.wantDown, down)
		})
	}
}

func TestExemptDownload(t *testing.T) {
	// Freeleech zeroes the download however large the reported value.
	up, down := TransferDeltas(200, 9000, 0, 0, false)
	require.Equal(t, uint64(200), up)
	require.Equal(t, uint64(0), ExemptDownload(down, true, false))

	require.Equal(t, uint64(0), ExemptDownload(9000, false, true))
	require.Equal(t, uint64(9000), ExemptDownload(9000, false, false))
}

func TestBelowMinRatio(t *testing.T) {
	var table = []struct {
		name  string
		user  backend.User
		below bool
	}{
		{"under the minimum", backend.User{Uploaded: 500, Downloaded: 1000}, true},
		{"over the minimum", backend.User{Uploaded: 900, Downloaded: 1000}, false},
		{"vip is never below ratio", backend.User{VIP: true, Uploaded: 1, Downloaded: 1 << 40}, false},
		{"zero download is never below ratio", backend.User{Uploaded: 0, Downloaded: 0}, false},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.below, BelowMinRatio(tt.user, 0.6))
		})
	}
}
