package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mirkobrombin/go-joblock/v1/lock"
	"github.com/mirkobrombin/go-joblock/v1/presets"
)

var (
	redisAddr = flag.String("redis", "localhost:6379", "Redis address (also works against lock-proxy)")
	natsURL   = flag.String("nats", "", "NATS URL; when set the JetStream bucket is used instead of Redis")
	bucket    = flag.String("bucket", "joblock", "JetStream key-value bucket")
	namespace = flag.String("namespace", lock.DefaultNamespace, "Lock key namespace")
	timeout   = flag.Duration("timeout", 0, "Lock timeout (0 for untimed locks)")
	wait      = flag.Duration("wait", 0, "With acquire, keep retrying for this long")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: lockctl [flags] <command> <job> [args...]

commands:
  locked    report whether the job lock is held
  acquire   try to take the job lock
  release   delete the job lock
  refresh   push the expiry of a timed lock forward
  enqueued  report whether the loner key is set
  unloner   delete the loner key
  key       print the lock and loner keys

flags:
`)
	flag.PrintDefaults()
}

func stack() (*presets.Stack, error) {
	if *natsURL != "" {
		return presets.NewNATS(presets.NATSOptions{URL: *natsURL, Bucket: *bucket})
	}
	return presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, OpTimeout: 5 * time.Second}), nil
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 2 {
		usage()
		os.Exit(2)
	}
	cmd, job := flag.Arg(0), flag.Arg(1)
	args := make([]any, 0, flag.NArg()-2)
	for _, a := range flag.Args()[2:] {
		args = append(args, a)
	}

	s, err := stack()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer s.Close()

	l := s.Lock(job, lock.WithNamespace(*namespace), lock.WithTimeout(*timeout), lock.WithLoner())
	ctx := context.Background()

	switch cmd {
	case "locked":
		locked, err := l.Locked(ctx, args...)
		if err != nil {
			log.Fatalf("locked: %v", err)
		}
		fmt.Println(locked)
	case "acquire":
		var res lock.Result
		if *wait > 0 {
			wctx, cancel := context.WithTimeout(ctx, *wait)
			res, err = l.AcquireWait(wctx, args...)
			cancel()
		} else {
			res, err = l.Acquire(ctx, args...)
		}
		if err != nil {
			log.Fatalf("acquire: %v", err)
		}
		switch {
		case !res.Acquired():
			fmt.Println("denied")
			os.Exit(1)
		case res.Outcome == lock.AcquiredTimed:
			fmt.Printf("%s until %s recovered=%v\n", res.Outcome, res.Expiry.Format(time.RFC3339), res.Recovered)
		default:
			fmt.Println(res.Outcome)
		}
	case "release":
		if err := l.Release(ctx, args...); err != nil {
			log.Fatalf("release: %v", err)
		}
	case "refresh":
		expiry, err := l.Refresh(ctx, args...)
		if err != nil {
			log.Fatalf("refresh: %v", err)
		}
		fmt.Println(expiry.Format(time.RFC3339))
	case "enqueued":
		queued, err := l.Enqueued(ctx, args...)
		if err != nil {
			log.Fatalf("enqueued: %v", err)
		}
		fmt.Println(queued)
	case "unloner":
		if err := l.ReleaseLoner(ctx, args...); err != nil {
			log.Fatalf("unloner: %v", err)
		}
	case "key":
		fmt.Println(l.LockKey(args...))
		fmt.Println(l.LonerKey(args...))
	default:
		usage()
		os.Exit(2)
	}
}
