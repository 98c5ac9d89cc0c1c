package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"tweetgraph/internal/cmdlog"
	"tweetgraph/internal/config"
	"tweetgraph/internal/graphstore"
	"tweetgraph/internal/graphstore/neo4jgraph"
	"tweetgraph/internal/graphstore/sqlitegraph"
	"tweetgraph/internal/jobs"
	"tweetgraph/internal/logging"
	"tweetgraph/internal/metrics"
	"tweetgraph/internal/pipeline"
	"tweetgraph/internal/report"
	"tweetgraph/internal/source"
	"tweetgraph/internal/theme"
	"tweetgraph/internal/upsert"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	var run func() error
	switch cmd {
	case "init":
		run = cmdInit
	case "load":
		run = cmdLoad
	case "watch":
		run = cmdWatch
	case "stream":
		run = cmdStream
	case "consume":
		run = cmdConsume
	case "report":
		run = cmdReport
	default:
		printHelp()
		return
	}
	if err := cmdlog.Run(cmd, run); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: tweetgraph <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./tweetgraph.yaml")
	fmt.Println("  load        Load bucket files (or the files given as arguments) into the graph once")
	fmt.Println("  watch       Load new and changed bucket files on an interval")
	fmt.Println("  stream      Capture the filter stream into bucket files")
	fmt.Println("  consume     Load posts from a RabbitMQ queue")
	fmt.Println("  report      Show graph totals, top hashtags, retweet pairs and hourly volume (-post, -pair for lookups)")
}

func cmdInit() error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./tweetgraph.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	if err := config.Save(*path, config.Default()); err != nil {
		return err
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
	return nil
}

func cmdLoad() error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	cfgPath := fs.String("config", "./tweetgraph.yaml", "config path")
	dir := fs.String("dir", "", "bucket directory (defaults to source.dir)")
	all := fs.Bool("all", false, "include the newest bucket")
	_ = fs.Parse(os.Args[2:])
	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	exec := newExecutor(store, cfg)

	var src source.Source
	if files := fs.Args(); len(files) > 0 {
		src = source.OpenFiles(files...)
	} else {
		if *dir == "" {
			*dir = cfg.Source.Dir
		}
		fsrc, err := source.OpenDir(*dir, cfg.Source.Pattern, cfg.Source.SkipNewest && !*all)
		if err != nil {
			return err
		}
		src = fsrc
	}
	defer src.Close()
	d := pipeline.New(src, exec, cfg.Pipeline.Workers)
	stats, err := d.Run(ctx)
	printStats(os.Stdout, stats, d.Tally())
	return err
}

func cmdWatch() error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cfgPath := fs.String("config", "./tweetgraph.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	r := jobs.NewReplay(cfg.Source, cfg.Pipeline.Workers, newExecutor(store, cfg))
	err = jobs.RunReplayLoop(ctx, r, cfg.Source.Interval)
	printTally(os.Stdout, r.Tally())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdStream() error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	cfgPath := fs.String("config", "./tweetgraph.yaml", "config path")
	load := fs.Bool("load", false, "also load each captured post into the graph")
	_ = fs.Parse(os.Args[2:])
	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	c := cfg.Stream.Credentials
	if c.ConsumerKey == "" || c.AccessToken == "" {
		fmt.Println("warning: missing X_CONSUMER_KEY/X_ACCESS_TOKEN; the stream will be rejected")
	}
	ctx, stop := signalContext()
	defer stop()

	w, err := source.NewBucketWriter(cfg.Source.Dir, cfg.Source.Prefix)
	if err != nil {
		return err
	}
	defer w.Close()
	st := source.NewStream(source.Credentials{
		ConsumerKey: c.ConsumerKey, ConsumerSecret: c.ConsumerSecret,
		AccessToken: c.AccessToken, AccessSecret: c.AccessSecret,
	}, cfg.Stream.Track, cfg.Stream.Languages)
	st.Capture(w)
	defer st.Close()

	if !*load && !cfg.Stream.LoadDirect {
		// capture only; `watch` picks the buckets up later
		n := 0
		for {
			env, err := st.Next(ctx)
			var de *source.DecodeError
			if errors.As(err, &de) {
				logging.Warn("stream_bad_line", map[string]any{"error": de.Error()})
				continue
			}
			if err != nil {
				logging.Info("stream_stop", map[string]any{"captured": n})
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			env.Done(nil)
			n++
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	d := pipeline.New(st, newExecutor(store, cfg), cfg.Pipeline.Workers)
	stats, err := d.Run(ctx)
	printStats(os.Stdout, stats, d.Tally())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdConsume() error {
	fs := flag.NewFlagSet("consume", flag.ExitOnError)
	cfgPath := fs.String("config", "./tweetgraph.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	if cfg.AMQP.URL == "" {
		return errors.New("amqp url not set (amqp.url or AMQP_URL)")
	}
	ctx, stop := signalContext()
	defer stop()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	q, err := source.DialQueue(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.Prefetch)
	if err != nil {
		return err
	}
	defer q.Close()
	d := pipeline.New(q, newExecutor(store, cfg), cfg.Pipeline.Workers)
	stats, err := d.Run(ctx)
	printStats(os.Stdout, stats, d.Tally())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdReport() error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cfgPath := fs.String("config", "./tweetgraph.yaml", "config path")
	limit := fs.Int("limit", 10, "rows per section")
	postID := fs.Int64("post", 0, "show one stored post and its author")
	pair := fs.String("pair", "", "show how often RETWEETER,AUTHOR retweeted (user ids)")
	_ = fs.Parse(os.Args[2:])
	cfg, err := setup(*cfgPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case *postID != 0:
		p, ok, err := report.LookupPost(ctx, store, *postID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("post %d not found", *postID)
		}
		report.PrintPost(os.Stdout, p)
		return nil
	case *pair != "":
		retweeter, author, err := parsePair(*pair)
		if err != nil {
			return err
		}
		n, err := report.PairCount(ctx, store, retweeter, author)
		if err != nil {
			return err
		}
		fmt.Printf("%d -> %d x%d\n", retweeter, author, n)
		return nil
	}

	s, err := report.Build(ctx, store, *limit)
	if err != nil {
		return err
	}
	report.Print(os.Stdout, s)
	return nil
}

func parsePair(s string) (int64, int64, error) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("pair %q: want RETWEETER,AUTHOR", s)
	}
	retweeter, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("pair %q: %w", s, err)
	}
	author, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("pair %q: %w", s, err)
	}
	return retweeter, author, nil
}

// setup loads and validates the config, then starts logging and metrics from it.
func setup(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	metrics.StartServer(cfg.Metrics.Addr)
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (graphstore.Store, error) {
	switch cfg.Store.Backend {
	case "neo4j":
		n := cfg.Store.Neo4j
		s, err := neo4jgraph.Open(ctx, neo4jgraph.Config{URI: n.URI, Username: n.Username, Password: n.Password, Database: n.Database})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		db, err := sqlitegraph.Open(cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func newExecutor(store graphstore.Store, cfg config.Config) *upsert.Executor {
	return upsert.New(store, upsert.Options{
		UnitTimeout:     cfg.Pipeline.UnitTimeout,
		CounterRetries:  cfg.Pipeline.CounterRetries,
		BreakerFailures: cfg.Breaker.MaxFailures,
		BreakerCooldown: cfg.Breaker.Cooldown,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printStats(w io.Writer, s pipeline.Stats, t *pipeline.Tally) {
	fmt.Fprintf(w, "run %s: read=%d applied=%d failures=%d (structural=%d coercion=%d store=%d) increments=%d duplicates=%d in %s\n",
		s.RunID, s.Read, s.Applied, s.Failures(), s.Structural, s.Coercion, s.StoreFailures, s.Increments, s.Duplicates, s.Elapsed)
	printTally(w, t)
}

func printTally(w io.Writer, t *pipeline.Tally) {
	fmt.Fprintln(w, "Most common hashtags:")
	for _, tc := range t.MostCommon(10) {
		fmt.Fprintf(w, "  #%s %d\n", tc.Tag, tc.Count)
	}
}
