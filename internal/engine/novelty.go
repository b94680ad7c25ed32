package engine

import "github.com/cafrisales/notification-gateway/internal/model"

// noveltyClassifier decides which records may reach the alert bridge.
// Without it, the refresh fired on every reconnect would re-surface the
// whole recent history as toast spam.
//
// Two states: unprimed (nothing delivered yet this session) and primed.
// The first refresh batch primes the set and announces nothing, even when
// it is empty, so the very next record is correctly treated as novel. After
// priming, an unseen id is announced exactly once.
type noveltyClassifier struct {
	primed bool
	seen   map[string]struct{}
}

func newNoveltyClassifier() noveltyClassifier {
	return noveltyClassifier{seen: make(map[string]struct{})}
}

// markSeen records ids without priming; used for records restored from the
// session store, which predate this session's observation.
func (nc *noveltyClassifier) markSeen(ids []string) {
	for _, id := range ids {
		nc.seen[id] = struct{}{}
	}
}

// siftBatch classifies a refresh batch.
func (nc *noveltyClassifier) siftBatch(recs []model.Notification) []model.Notification {
	if !nc.primed {
		nc.primed = true
		nc.markSeen(ids(recs))
		return nil
	}
	return nc.filter(recs)
}

// siftOne classifies a single push-delivered record. A push that beats the
// first refresh is swallowed rather than risking the refresh batch being
// announced wholesale afterwards.
func (nc *noveltyClassifier) siftOne(rec model.Notification) bool {
	if !nc.primed {
		nc.seen[rec.ID] = struct{}{}
		return false
	}
	novel := nc.filter([]model.Notification{rec})
	return len(novel) == 1
}

func (nc *noveltyClassifier) filter(recs []model.Notification) []model.Notification {
	var novel []model.Notification
	for _, rec := range recs {
		if _, ok := nc.seen[rec.ID]; ok {
			continue
		}
		nc.seen[rec.ID] = struct{}{}
		novel = append(novel, rec)
	}
	return novel
}
