package feed

import (
	"context"
	"sync"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// VolumeSpikes implements domain.AnomalySource. It compares a market's 24h
// volume with the previous observation; a jump by spikeRatio or more maps
// to a full spike score of 1. Sentiment passes through from the snapshot.
type VolumeSpikes struct {
	spikeRatio float64

	mu   sync.Mutex
	last map[string]float64
}

// NewVolumeSpikes creates a detector. spikeRatio must exceed 1; it
// defaults to 3.
func NewVolumeSpikes(spikeRatio float64) *VolumeSpikes {
	if spikeRatio <= 1 {
		spikeRatio = 3
	}
	return &VolumeSpikes{spikeRatio: spikeRatio, last: make(map[string]float64)}
}

// Anomaly scores snap and records its volume for the next call.
func (v *VolumeSpikes) Anomaly(_ context.Context, snap domain.MarketSnapshot) (domain.Anomaly, error) {
	v.mu.Lock()
	prev, seen := v.last[snap.MarketID]
	v.last[snap.MarketID] = snap.Volume24h
	v.mu.Unlock()

	a := domain.Anomaly{NegativeSentiment: snap.Anomaly.NegativeSentiment}
	if !seen || prev <= 0 || snap.Volume24h <= prev {
		return a, nil
	}
	spike := (snap.Volume24h/prev - 1) / (v.spikeRatio - 1)
	if spike > 1 {
		spike = 1
	}
	a.VolumeSpike = spike
	return a, nil
}

// Forget drops the volume history of a market, e.g. after settlement.
func (v *VolumeSpikes) Forget(marketID string) {
	v.mu.Lock()
	delete(v.last, marketID)
	v.mu.Unlock()
}
