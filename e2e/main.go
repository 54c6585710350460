package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ollym/que"
	"github.com/ollym/que/mongodb"
	"github.com/ollym/que/mysql"
	"github.com/ollym/que/postgres"
)

func main() {
	const (
		exampleDBURL = "postgres://postgres@127.0.0.1:5432/que_e2e?sslmode=disable"
	)
	var (
		priorities      = flag.IntP("priorities", "r", 1, "number of priorities as in [0,r)")
		concurrency     = flag.IntP("concurrency", "c", 2, "number of workers")
		fillTime        = flag.Duration("fill-time", 1*time.Second, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 2*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		retryInterval   = flag.Duration("retry-interval", 5*time.Second, "delay before a failed job is retried")
		dbtype          = flag.String("dbtype", "memory", "Storage type (memory, postgres, mysql or mongodb)")
		dburl           = flag.String("dburl", "", "connection string for persistent storage, e.g. "+exampleDBURL)
		classesList     = flag.String("classes", "a,b,c", "comma-separated list of job classes")
		queuesList      = flag.String("queues", ",reports", "comma-separated list of queues")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	if *priorities <= 0 {
		log.Fatal("r must be greater than 0")
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx := context.Background()

	// Initialize the store
	var (
		store que.Store
		err   error
	)
	switch *dbtype {
	case "memory":
		store = que.NewInMemoryStore()
	case "postgres":
		var st *postgres.Store
		st, err = postgres.NewStore(ctx, *dburl)
		if err == nil {
			err = st.Migrate(ctx)
		}
		store = st
	case "mysql":
		store, err = mysql.NewStore(*dburl)
	case "mongodb":
		store, err = mongodb.NewStore(*dburl)
	default:
		log.Fatal("unsupported dbtype; use either memory, postgres, mysql or mongodb")
	}
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// Initialize the locker
	queues := strings.Split(*queuesList, ",")
	l := que.New(
		que.SetStore(store),
		que.SetWorkerCount(*concurrency),
		que.SetQueues(queues...),
	)

	// Add classes and processors
	classes := strings.Split(*classesList, ",")
	for _, class := range classes {
		err := l.Register(class,
			makeProcessor(*failureRate, *runTime),
			que.RetryInterval(que.ConstantBackoff(*retryInterval)),
		)
		if err != nil {
			log.Fatal(err)
		}
	}

	// Start the locker
	if err := l.Start(ctx); err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	// Enqueue jobs
	go func() {
		errc <- enqueuer(ctx, l, classes, queues, *priorities, *fillTime)
	}()

	// Print stats
	go logger(l, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		errc <- l.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

func enqueuer(ctx context.Context, l *que.Locker, classes, queues []string, priorities int, fillTime time.Duration) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		cnt++
		job, err := que.NewJob(classes[rand.Intn(len(classes))], fmt.Sprintf("#%05d", cnt))
		if err != nil {
			return err
		}
		job.Queue = queues[rand.Intn(len(queues))]
		job.Priority = rand.Intn(priorities)
		if err := l.Add(ctx, job); err != nil {
			return err
		}
	}
}

func logger(l *que.Locker, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for range t.C {
		ss := l.Stats()
		fmt.Printf("State=%-8s Buffered=%4d Locked=%4d Working=%4d Polled=%6d Worked=%6d Errored=%6d\n",
			ss.State,
			ss.Buffered,
			ss.Locked,
			ss.Working,
			ss.Polled,
			ss.Worked,
			ss.Errored)
	}
}

func makeProcessor(failureRate float64, runTime time.Duration) que.Processor {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, job *que.Job) error {
		time.Sleep(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond)
		if rand.Float64() < failureRate {
			return errors.New("processor failed")
		}
		return nil
	}
}
