package mongodb

import (
	"context"
	"sync"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	"github.com/google/uuid"

	"github.com/ollym/que"
)

// minPollBatch is the least number of candidates read per round trip.
const minPollBatch = 10

// session takes leases on job documents and renews them in the background.
type session struct {
	id   string
	st   *Store
	sess *mgo.Session

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
}

func newSession(st *Store, sess *mgo.Session) *session {
	s := &session{
		id:    uuid.New().String(),
		st:    st,
		sess:  sess,
		stopc: make(chan struct{}),
		donec: make(chan struct{}),
	}
	go s.heartbeat()
	return s
}

func (s *session) coll() *mgo.Collection {
	return s.sess.DB(s.st.dbname).C(s.st.collectionName)
}

// heartbeat renews all leases of the session every third of the lock TTL.
func (s *session) heartbeat() {
	defer close(s.donec)
	ticker := time.NewTicker(s.st.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
			_, err := s.coll().UpdateAll(
				bson.M{"lock_owner": s.id},
				bson.M{"$set": bson.M{"lock_expires": truncate(time.Now().Add(s.st.lockTTL))}},
			)
			if err != nil {
				s.st.logger.Warn("que/mongodb: renewing locks failed", "session", s.id, "error", err)
			}
		}
	}
}

func (s *session) stopHeartbeat() {
	s.stopOnce.Do(func() {
		close(s.stopc)
		<-s.donec
	})
}

// available matches documents not leased by another session.
func (s *session) available(now time.Time) bson.M {
	return bson.M{"$or": []bson.M{
		{"lock_owner": bson.M{"$exists": false}},
		{"lock_owner": s.id},
		{"lock_expires": bson.M{"$lt": now}},
	}}
}

// Poll walks the due jobs of the queue in key order, page by page, and
// leases them one by one with a conditional update until limit jobs are
// leased.
func (s *session) Poll(ctx context.Context, queue string, exclude []int64, maxPriority, limit int) ([]*que.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	batch := 2 * limit
	if batch < minPollBatch {
		batch = minPollBatch
	}

	var (
		jobs  []*que.Job
		after *que.Key
	)
	for len(jobs) < limit {
		if err := ctx.Err(); err != nil {
			return jobs, err
		}
		now := time.Now()
		and := []bson.M{
			{"queue": queue},
			{"run_at": bson.M{"$lte": now}},
			s.available(now),
		}
		if len(exclude) > 0 {
			and = append(and, bson.M{"_id": bson.M{"$nin": exclude}})
		}
		if maxPriority != que.AnyPriority {
			and = append(and, bson.M{"priority": bson.M{"$lte": maxPriority}})
		}
		if after != nil {
			and = append(and, bson.M{"$or": []bson.M{
				{"priority": bson.M{"$gt": after.Priority}},
				{"priority": after.Priority, "run_at": bson.M{"$gt": after.RunAt}},
				{"priority": after.Priority, "run_at": after.RunAt, "_id": bson.M{"$gt": after.ID}},
			}})
		}

		var candidates []jobDoc
		err := s.coll().Find(bson.M{"$and": and}).
			Sort("priority", "run_at", "_id").
			Limit(batch).
			All(&candidates)
		if err != nil {
			return jobs, err
		}
		for _, doc := range candidates {
			if len(jobs) >= limit {
				break
			}
			leased, err := s.lease(doc, now)
			if err != nil {
				return jobs, err
			}
			if leased {
				jobs = append(jobs, doc.toJob())
			}
		}
		if len(candidates) < batch {
			break
		}
		last := candidates[len(candidates)-1].toJob().Key()
		after = &last
	}
	return jobs, nil
}

// lease takes the lock on doc unless another session got it first or the
// job changed in the meantime.
func (s *session) lease(doc jobDoc, now time.Time) (bool, error) {
	selector := bson.M{"$and": []bson.M{
		keySelector(doc.toJob().Key()),
		s.available(now),
	}}
	err := s.coll().Update(selector, bson.M{"$set": bson.M{
		"lock_owner":   s.id,
		"lock_expires": truncate(now.Add(s.st.lockTTL)),
	}})
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *session) Unlock(ctx context.Context, id int64) error {
	err := s.coll().Update(
		bson.M{"_id": id, "lock_owner": s.id},
		bson.M{"$unset": bson.M{"lock_owner": "", "lock_expires": ""}},
	)
	if err == mgo.ErrNotFound {
		return nil
	}
	return err
}

func (s *session) Close() error {
	s.stopHeartbeat()
	defer s.sess.Close()
	_, err := s.coll().UpdateAll(
		bson.M{"lock_owner": s.id},
		bson.M{"$unset": bson.M{"lock_owner": "", "lock_expires": ""}},
	)
	return err
}
