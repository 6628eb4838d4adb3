package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"duochat/api"
	"duochat/auth"
	"duochat/boltstore"
	"duochat/changefeed"
	"duochat/chat"
	"duochat/dynamostore"
	"duochat/feed"
	"duochat/presence"
	"duochat/registry"
)

const (
	kafkaGroupId         = "duochat"
	kafkaTopic           = "duochat-conv-changed"
	eventPayloadMaxBytes = 4096
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "duochat.pid", "pid file")

	flagStandalone = flag.Bool("standalone", true, "run against a local bolt file instead of dynamodb")
	flagBoltPath   = flag.String("bolt-path", "duochat.db", "standalone: bolt database file")
	flagDynaTable  = flag.String("dynamo-table", "duochat", "dynamodb table name, credentials from the default aws chain")

	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/duochat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn for the user registry")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagRedisAddr    = flag.String("redis-addr", "127.0.0.1:6379", "redis server for presence")

	flagRolloverPct      = flag.Uint("rollover-pct", 80, "archive the recent window when it passes this percent of the document limit, in [50, 95]")
	flagPageSize         = flag.Uint("page-size", feed.DefaultPageSize, "conversation page size for feed subscribers")
	flagChunkListLimit   = flag.Uint("chunk-list-limit", feed.DefaultChunkListLimit, "archive chunk ids per list response")
	flagPresenceInterval = flag.Uint("presence-interval", 60, "presence heartbeat interval, seconds")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	glog.Info("duochat server is starting")

	var convStore chat.IConvStore
	if *flagStandalone {
		bs, err := boltstore.Open(*flagBoltPath)
		if err != nil {
			return errorf("bolt open error, path: %s, err: %v", *flagBoltPath, err)
		}
		defer bs.Close()
		convStore = bs
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return errorf("aws config error: %v", err)
		}
		ds, err := dynamostore.New(dynamodb.NewFromConfig(awsCfg), *flagDynaTable)
		if err != nil {
			return errorf("dynamo store error: %v", err)
		}
		convStore = ds
	}

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}
	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)
	reg := registry.New(db)

	rdb := redis.NewClient(&redis.Options{Addr: *flagRedisAddr})
	tracker := presence.NewTracker(rdb, time.Duration(*flagPresenceInterval)*time.Second)

	kafkaBrokers := strings.Split(*flagKafkaBrokers, ",")
	writer := &kafka.Writer{
		Addr:     kafka.TCP(kafkaBrokers...),
		Topic:    kafkaTopic,
		Balancer: &kafka.Hash{},
	}
	publisher := changefeed.NewPublisher(writer, eventPayloadMaxBytes)

	authClient := newAuthClient()
	appender := chat.NewAppender(convStore, chat.EstimatorV1{}, chat.DocLimitBytes, int(*flagRolloverPct))
	service := chat.NewService(appender, authClient, publisher)

	conf := &feed.Conf{
		PageSize:       int(*flagPageSize),
		ChunkListLimit: int(*flagChunkListLimit),
	}
	hub := feed.NewHub(authClient, convStore, tracker, conf)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkaBrokers,
		GroupID:  kafkaGroupId,
		Topic:    kafkaTopic,
		MaxBytes: 10 * eventPayloadMaxBytes,
	})
	consumer := changefeed.NewConsumer(reader, hub, eventPayloadMaxBytes)

	mux := http.DefaultServeMux
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/feed", hub)
	api.NewServer(authClient, service, reg).Register(mux)

	hubStopC := make(chan struct{})
	feedStopC := make(chan struct{})
	go hub.Run(ctx, hubStopC)
	go consumer.Run(ctx, feedStopC)

	srv := &http.Server{Addr: *flagAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("http serve error: %v", err)
		}
	}()

	glog.Infof("duochat server is serving at %s", *flagAddr)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if prof != nil {
				prof.dumpGoroutines()
			}
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("duochat server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				<-hubStopC
				<-feedStopC
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutCtx)
				shutCancel()
				_ = writer.Close()
				_ = rdb.Close()
				_ = db.Close()
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("duochat server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if *flagStandalone {
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	} else if *flagDynaTable == "" {
		return errorf("--dynamo-table is required")
	}

	if *flagMysqlDsn == "" {
		return errorf("--mysql-dsn is required")
	}
	if len(*flagKafkaBrokers) == 0 {
		return errorf("--kafka-brokers is required")
	}
	if *flagRedisAddr == "" {
		return errorf("--redis-addr is required")
	}

	if *flagRolloverPct < 50 || *flagRolloverPct > 95 {
		return errorf("invalid --rollover-pct, expect in range [50, 95]")
	}
	if *flagPageSize < feed.MinPageSize || *flagPageSize > feed.MaxPageSize {
		return errorf("invalid --page-size, expect in range [%d, %d]", feed.MinPageSize, feed.MaxPageSize)
	}
	if *flagChunkListLimit == 0 {
		return errorf("--chunk-list-limit is required positive integer")
	}
	if *flagPresenceInterval == 0 {
		return errorf("--presence-interval is required positive integer")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
