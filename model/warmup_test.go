package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTierDownloadBounds(t *testing.T) {
	cases := []struct {
		peak float64
		want SpeedTier
	}{
		{0, TierSlow},
		{24.9, TierSlow},
		{25, TierMedium},
		{199.9, TierMedium},
		{200, TierFast},
		{599.9, TierFast},
		{600, TierGigabit},
		{699.9, TierGigabit},
		{700, TierUltraGig},
		{5000, TierUltraGig},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyTier(DirDownload, c.peak), "peak=%v", c.peak)
	}
}

func TestClassifyTierUploadBounds(t *testing.T) {
	cases := []struct {
		peak float64
		want SpeedTier
	}{
		{0, TierSlow},
		{9.9, TierSlow},
		{10, TierMedium},
		{99.9, TierMedium},
		{100, TierFast},
		{299.9, TierFast},
		{300, TierGigabit},
		{799.9, TierGigabit},
		{800, TierUltraGig},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyTier(DirUpload, c.peak), "peak=%v", c.peak)
	}
}

func TestTierDefaultsRoutesByDirection(t *testing.T) {
	dl := TierDefaults(DirDownload, TierFast)
	assert.Equal(t, 4<<20, dl.ChunkSizeBytes)
	assert.Zero(t, dl.PendingPerStream)

	ul := TierDefaults(DirUpload, TierFast)
	assert.Equal(t, 2<<20, ul.ChunkSizeBytes)
	assert.Equal(t, 10, ul.PendingPerStream)
}

func TestFallbackOptimalParams(t *testing.T) {
	dl := FallbackOptimalParams(DirDownload)
	assert.Equal(t, FixedStreamCount, dl.StreamCount)
	assert.Equal(t, 256<<10, dl.ChunkSizeBytes)
	assert.Zero(t, dl.PeakObservedMbps)
	assert.Zero(t, dl.PendingPerStream)

	ul := FallbackOptimalParams(DirUpload)
	assert.Equal(t, 1, ul.PendingPerStream)
	assert.Equal(t, 100, ul.UploadDelayMs)
}
