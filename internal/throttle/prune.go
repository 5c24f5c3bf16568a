package throttle

import (
	"time"

	"github.com/rs/zerolog/log"
)

// staleTempAge is how old an orphaned temp file must be before Prune
// removes it. Live writes finish in well under a second.
const staleTempAge = time.Hour

// PruneResult summarises one Prune pass.
type PruneResult struct {
	Scanned int
	Removed int
	Corrupt int
	Temps   int
}

// Prune deletes identity files whose window ended at least grace ago.
// An expired window reads exactly like a missing file, so removal never
// changes a later decision. Each file is re-read under its lock so a
// concurrent admission is never lost. Unreadable files are kept and counted.
func (l *Ledger) Prune(now time.Time, grace time.Duration) (PruneResult, error) {
	var res PruneResult

	names, err := l.files.Names()
	if err != nil {
		return res, err
	}
	cutoff := now.Add(-grace).Unix()

	for _, name := range names {
		res.Scanned++
		removed, corrupt, err := l.pruneOne(name, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("entry", name).Msg("ledger prune failed")
			continue
		}
		if corrupt {
			res.Corrupt++
		}
		if removed {
			res.Removed++
		}
	}

	temps, err := l.files.RemoveStaleTemps(now, staleTempAge)
	if err != nil {
		return res, err
	}
	res.Temps = temps
	return res, nil
}

func (l *Ledger) pruneOne(name string, cutoff int64) (removed, corrupt bool, err error) {
	unlock := l.files.Lock(name)
	defer unlock()

	data, ok, err := l.files.ReadLocked(name)
	if err != nil || !ok {
		return false, false, err
	}
	st, derr := decodeState(data)
	if derr != nil {
		return false, true, nil
	}
	if cutoff < st.WindowStart+l.reset {
		return false, false, nil
	}
	if err := l.files.RemoveLocked(name); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// Count returns the number of identity files currently stored.
func (l *Ledger) Count() (int, error) {
	names, err := l.files.Names()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
