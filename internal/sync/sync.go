// Package sync implements tempo matching, one-shot phase alignment, and
// the continuous phase-locked loop that keeps a synced slave deck's beat
// grid aligned with its master's, plus the master/slave role bookkeeping
// around EnableSync/DisableSync.
//
// The PLL's accumulated integral error is only persisted on ticks where
// the combined correction clears the apply threshold; sub-threshold
// ticks leave the stored integral untouched.
package sync

import (
	"fmt"
	"math"

	"github.com/twodeck/engine/internal/config"
	"github.com/twodeck/engine/internal/deck"
	"github.com/twodeck/engine/internal/engineerr"
)

const manualOverrideThreshold = 1e-4

// WrapPhaseDiff wraps a phase difference into (-0.5, 0.5].
func WrapPhaseDiff(diff float64) float64 {
	if diff > 0.5 {
		return diff - 1.0
	}
	if diff <= -0.5 {
		return diff + 1.0
	}
	return diff
}

// EffectiveInterval is the beat period in seconds under playback rate
// pitch: 60/(bpm*pitch).
func EffectiveInterval(bpm, pitch float64) float64 {
	return (60.0 / bpm) / pitch
}

// Phase returns frac((nowSec-firstBeatSec)/effectiveInterval), the
// fractional position within the current beat.
func Phase(nowSec, firstBeatSec, effectiveInterval float64) float64 {
	sinceFirstBeat := nowSec - firstBeatSec
	if sinceFirstBeat < 0 {
		sinceFirstBeat = 0
	}
	return math.Mod(sinceFirstBeat/effectiveInterval, 1.0)
}

// TempoMatchRate computes the slave's tempo-matched pitch:
// (bpm_master/bpm_slave) * current_pitch_master.
func TempoMatchRate(masterBPM, slaveBPM, masterCurrentPitch float64) (float64, error) {
	if math.Abs(slaveBPM) <= 1e-6 {
		return 0, engineerr.ErrSyncNoBPM
	}
	return (masterBPM / slaveBPM) * masterCurrentPitch, nil
}

func clampPitch(rate float64) float64 {
	if rate < config.MinPitchRate {
		return config.MinPitchRate
	}
	if rate > config.MaxPitchRate {
		return config.MaxPitchRate
	}
	return rate
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SystemSetPitch applies a system-initiated pitch write: target and
// current both snap to rate, and the precise-timing anchor is
// invalidated if the current pitch actually moved (the time integral's
// slope is about to change).
func SystemSetPitch(d *deck.Deck, rate float64) {
	clamped := clampPitch(rate)
	old := d.CurrentPitch()
	d.SnapCurrentPitch(clamped)
	if math.Abs(clamped-old) > 1e-5 {
		d.InvalidateAnchor()
	}
}

// UserSetPitch applies a user-initiated pitch write: only target_pitch
// moves (current ramps toward it via the callback's per-buffer
// smoothing), manual_pitch is recorded, and two cascading effects may
// follow: if this deck is a synced slave and the new target diverges
// from its target_pitch_for_bpm_match, sync is treated as manually
// overridden and disengaged for this deck; if this deck is master, every
// slave's target_pitch_for_bpm_match and target_pitch are recomputed
// from the new master pitch. Returns the ids of every deck whose sync
// state changed as a result (for emitting sync-status-update events).
func UserSetPitch(decks map[string]*deck.Deck, id string, rate float64) ([]string, error) {
	d, ok := decks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, id)
	}

	clamped := clampPitch(rate)
	d.SetTargetPitch(clamped)
	d.SetManualPitch(clamped)

	active, isMaster, masterID := d.SyncRole()

	var affected []string
	if active && !isMaster {
		target := d.TargetPitchForBPMMatch()
		if math.Abs(clamped-target) > manualOverrideThreshold {
			affected = append(affected, DisableSync(decks, id)...)
			// A master left without slaves is released from its role too.
			if master, ok := decks[masterID]; ok {
				if _, stillMaster, _ := master.SyncRole(); stillMaster && !hasSlaves(decks, masterID) {
					affected = append(affected, DisableSync(decks, masterID)...)
				}
			}
		}
	}

	if isMaster {
		masterBPM, _, ok := d.Analysis()
		if ok {
			for slaveID, slave := range decks {
				slaveActive, _, masterID := slave.SyncRole()
				if !slaveActive || masterID != id {
					continue
				}
				slaveBPM, _, ok := slave.Analysis()
				if !ok || math.Abs(slaveBPM) <= 1e-6 {
					continue
				}
				newTarget := (masterBPM / slaveBPM) * clamped
				slave.SetTargetPitchForBPMMatch(newTarget)
				slave.SetTargetPitch(clampPitch(newTarget))
				_ = slaveID
			}
		}
	}

	return affected, nil
}

// hasSlaves reports whether any deck is an active slave of masterID.
func hasSlaves(decks map[string]*deck.Deck, masterID string) bool {
	for _, d := range decks {
		if active, _, m := d.SyncRole(); active && m == masterID {
			return true
		}
	}
	return false
}

// DisableSync disengages sync for id, restores its manual pitch, and —
// if id was a master — cascades disengage to every deck synced to it.
// Returns every deck id whose sync state changed. A deck that was
// neither synced nor master is a no-op (nil, no error): DisableSync may
// legitimately be called on both master and slave ids in a cascade.
func DisableSync(decks map[string]*deck.Deck, id string) []string {
	d, ok := decks[id]
	if !ok {
		return nil
	}

	active, isMaster, _ := d.SyncRole()
	if !active && !isMaster {
		return nil
	}

	manualPitch := d.ManualPitch()
	d.ClearSync()
	d.SetTargetPitch(clampPitch(manualPitch))

	affected := []string{id}
	if isMaster {
		for otherID, other := range decks {
			otherActive, _, masterID := other.SyncRole()
			if otherActive && masterID == id {
				affected = append(affected, DisableSync(decks, otherID)...)
			}
		}
	}
	return affected
}

// EnableSyncResult reports the side effects of a successful EnableSync
// call, for the caller to translate into UI events.
type EnableSyncResult struct {
	MasterBecameMaster    bool
	SlavePhaseAdjustedSec float64
}

// EnableSync tempo-matches slave to master, promotes master to master
// role if it wasn't already, and performs a one-shot phase alignment
// micro-seek on the slave. masterTimeSec/slaveTimeSec are each deck's
// current precise playback position in seconds, as read by the caller
// immediately before this call.
func EnableSync(decks map[string]*deck.Deck, slaveID, masterID string, masterTimeSec, slaveTimeSec float64) (EnableSyncResult, error) {
	var result EnableSyncResult

	master, ok := decks[masterID]
	if !ok {
		return result, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, masterID)
	}
	slave, ok := decks[slaveID]
	if !ok {
		return result, fmt.Errorf("%w: %s", engineerr.ErrDeckNotFound, slaveID)
	}
	if master.Duration() <= 0 {
		return result, fmt.Errorf("%w: %s", engineerr.ErrSyncMasterNotLoaded, masterID)
	}

	masterBPM, masterFirstBeat, ok := master.Analysis()
	if !ok {
		return result, fmt.Errorf("%w: master %s", engineerr.ErrSyncNoBPM, masterID)
	}
	slaveBPM, slaveFirstBeat, ok := slave.Analysis()
	if !ok {
		return result, fmt.Errorf("%w: slave %s", engineerr.ErrSyncNoBPM, slaveID)
	}

	masterPitch := master.TargetPitch()
	targetRate, err := TempoMatchRate(masterBPM, slaveBPM, masterPitch)
	if err != nil {
		return result, err
	}

	slave.SetManualPitch(slave.CurrentPitch())
	slave.SetSyncSlave(masterID)
	slave.SetTargetPitchForBPMMatch(targetRate)

	if _, wasMaster, _ := master.SyncRole(); !wasMaster {
		master.SetManualPitch(master.CurrentPitch())
		master.SetSyncMaster(true)
		result.MasterBecameMaster = true
	}

	SystemSetPitch(slave, targetRate)

	if masterTrack := master.Track(); masterTrack != nil {
		if slaveTrack := slave.Track(); slaveTrack != nil && math.Abs(masterPitch) > 1e-6 && math.Abs(targetRate) > 1e-6 {
			masterEff := EffectiveInterval(masterBPM, masterPitch)
			slaveEff := EffectiveInterval(slaveBPM, targetRate)

			masterPhase := Phase(masterTimeSec, masterFirstBeat, masterEff)
			slavePhase := Phase(slaveTimeSec, slaveFirstBeat, slaveEff)

			diff := WrapPhaseDiff(masterPhase - slavePhase)
			deltaSec := diff * slaveEff

			if math.Abs(deltaSec) > config.PhaseAlignMinAdjustSeconds {
				sampleAdjust := deltaSec * slaveTrack.SampleRate
				newReadHead := slave.ReadHead() + sampleAdjust
				if newReadHead < 0 {
					newReadHead = 0
				}
				slave.SetReadHead(newReadHead)
				if !slave.IsPlaying() {
					slave.SetPausedReadHead(newReadHead)
				}
				slave.InvalidateAnchor()
				result.SlavePhaseAdjustedSec = deltaSec
			}
		}
	}

	return result, nil
}

// RunPLLTick computes and applies the per-tick PLL correction for every
// active, playing slave whose master is also playing. liveTimes supplies
// each relevant deck's current precise time in seconds (keyed by deck
// id), gathered by the caller immediately before this call. dt is the
// tick interval in seconds. Returns the ids of decks whose target pitch
// was updated.
func RunPLLTick(decks map[string]*deck.Deck, liveTimes map[string]float64, dt float64) []string {
	var updated []string

	for id, d := range decks {
		active, _, masterID := d.SyncRole()
		if !active || !d.IsPlaying() {
			continue
		}
		master, ok := decks[masterID]
		if !ok || !master.IsPlaying() {
			continue
		}

		masterBPM, masterFBS, ok := master.Analysis()
		if !ok || masterBPM <= 1e-6 {
			continue
		}
		slaveBPM, slaveFBS, ok := d.Analysis()
		if !ok || slaveBPM <= 1e-6 {
			continue
		}

		slavePitch := d.CurrentPitch()
		if math.Abs(slavePitch) <= 1e-6 {
			continue
		}
		masterPitch := master.CurrentPitch()

		masterTime, ok := liveTimes[masterID]
		if !ok {
			continue
		}
		slaveTime, ok := liveTimes[id]
		if !ok {
			continue
		}

		masterEff := EffectiveInterval(masterBPM, masterPitch)
		slaveEff := EffectiveInterval(slaveBPM, slavePitch)

		masterPhase := Phase(masterTime, masterFBS, masterEff)
		slavePhase := Phase(slaveTime, slaveFBS, slaveEff)
		phaseErr := WrapPhaseDiff(masterPhase - slavePhase)

		proportional := config.PLLKp * phaseErr
		integral := clampFloat(d.PLLIntegralError()+phaseErr*dt*config.PLLKi,
			-config.MaxPLLIntegralError, config.MaxPLLIntegralError)
		correction := clampFloat(proportional+integral, -config.MaxPLLPitchAdjustment, config.MaxPLLPitchAdjustment)

		newTarget := d.TargetPitchForBPMMatch() + correction
		current := d.CurrentPitch()

		if math.Abs(newTarget-current) > config.PLLApplyThreshold {
			d.SetPLLIntegralError(integral)
			d.SetTargetPitch(clampPitch(newTarget))
			updated = append(updated, id)
		}
	}

	return updated
}
