package mongodb

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/ollym/que"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "que_jobs"

	// countersCollectionName holds the sequences for job ids.
	countersCollectionName = "que_counters"

	// defaultLockTTL is how long a lock survives without a heartbeat.
	defaultLockTTL = 30 * time.Second
)

var _ que.Store = (*Store)(nil)

// Store represents a MongoDB-based storage backend.
//
// MongoDB has no session scoped locks. Instead, a lock is a lease on the
// job document that its session renews while it is alive. When a process
// dies, its leases expire after the lock TTL and other sessions take over.
type Store struct {
	session        *mgo.Session
	dbname         string
	collectionName string
	lockTTL        time.Duration
	logger         *slog.Logger
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// SetLockTTL sets how long a lock survives when its session stops
// renewing it. It is 30 seconds by default.
func SetLockTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.lockTTL = ttl
	}
}

// SetLogger sets the logger for the store.
func SetLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		lockTTL:        defaultLockTTL,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(st)
	}
	if st.lockTTL <= 0 {
		return nil, errors.New("que/mongodb: lock TTL must be positive")
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("que/mongodb: database missing in URL")
	}
	st.dbname = uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}
	st.session.SetMode(mgo.Strong, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create indices
	coll := st.session.DB(st.dbname).C(st.collectionName)
	if err := coll.EnsureIndexKey("queue", "priority", "run_at", "_id"); err != nil {
		st.session.Close()
		return nil, err
	}
	if err := coll.EnsureIndexKey("lock_owner"); err != nil {
		st.session.Close()
		return nil, err
	}
	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to que-specific "not found" error
		return que.ErrNotFound
	}
	return err
}

// collection returns the jobs collection on a copy of the root session.
// Callers must close the returned session.
func (s *Store) collection() (*mgo.Session, *mgo.Collection) {
	sess := s.session.Copy()
	return sess, sess.DB(s.dbname).C(s.collectionName)
}

// Open starts a session whose leases are renewed until it is closed.
func (s *Store) Open(ctx context.Context) (que.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := s.session.Copy()
	if err := sess.Ping(); err != nil {
		sess.Close()
		return nil, err
	}
	return newSession(s, sess), nil
}

// GetJob re-reads a locked job by its full key.
func (s *Store) GetJob(ctx context.Context, key que.Key) (*que.Job, error) {
	sess, coll := s.collection()
	defer sess.Close()

	var doc jobDoc
	if err := coll.Find(keySelector(key)).One(&doc); err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toJob(), nil
}

// RecordError increments the error count and reschedules the job.
func (s *Store) RecordError(ctx context.Context, job *que.Job, count int, delay time.Duration, message string) error {
	sess, coll := s.collection()
	defer sess.Close()

	err := coll.Update(keySelector(job.Key()), bson.M{"$set": bson.M{
		"error_count": count,
		"last_error":  message,
		"run_at":      truncate(time.Now().Add(delay)),
	}})
	return s.wrapError(err)
}

// Delete removes a job from the store.
func (s *Store) Delete(ctx context.Context, job *que.Job) error {
	sess, coll := s.collection()
	defer sess.Close()

	err := coll.Remove(keySelector(job.Key()))
	if err == mgo.ErrNotFound {
		return nil
	}
	return err
}

// Enqueue adds a new job to the store.
func (s *Store) Enqueue(ctx context.Context, job *que.Job) error {
	sess, coll := s.collection()
	defer sess.Close()

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	_, err := sess.DB(s.dbname).C(countersCollectionName).
		FindId(s.collectionName).
		Apply(mgo.Change{
			Update:    bson.M{"$inc": bson.M{"seq": 1}},
			Upsert:    true,
			ReturnNew: true,
		}, &counter)
	if err != nil {
		return err
	}

	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	doc := newJobDoc(job)
	doc.ID = counter.Seq
	doc.RunAt = truncate(runAt)
	if err := coll.Insert(doc); err != nil {
		return err
	}
	job.ID = doc.ID
	job.RunAt = doc.RunAt
	return nil
}

// -- MongoDB-internal representation of a job --

type jobDoc struct {
	ID          int64     `bson:"_id"`
	Queue       string    `bson:"queue"`
	Priority    int       `bson:"priority"`
	RunAt       time.Time `bson:"run_at"`
	Class       string    `bson:"job_class"`
	Args        string    `bson:"args"`
	ErrorCount  int       `bson:"error_count"`
	LastError   string    `bson:"last_error,omitempty"`
	LockOwner   string    `bson:"lock_owner,omitempty"`
	LockExpires time.Time `bson:"lock_expires,omitempty"`
}

func newJobDoc(job *que.Job) *jobDoc {
	args := string(job.Args)
	if args == "" {
		args = "[]"
	}
	return &jobDoc{
		ID:         job.ID,
		Queue:      job.Queue,
		Priority:   job.Priority,
		RunAt:      job.RunAt,
		Class:      job.Class,
		Args:       args,
		ErrorCount: job.ErrorCount,
		LastError:  job.LastError,
	}
}

func (d *jobDoc) toJob() *que.Job {
	return &que.Job{
		ID:         d.ID,
		Queue:      d.Queue,
		Priority:   d.Priority,
		RunAt:      d.RunAt,
		Class:      d.Class,
		Args:       []byte(d.Args),
		ErrorCount: d.ErrorCount,
		LastError:  d.LastError,
	}
}

func keySelector(key que.Key) bson.M {
	return bson.M{
		"_id":      key.ID,
		"queue":    key.Queue,
		"priority": key.Priority,
		"run_at":   key.RunAt,
	}
}

// truncate rounds t to the millisecond precision of BSON dates.
func truncate(t time.Time) time.Time {
	return t.Truncate(time.Millisecond)
}
